package procmap

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		name       string
		pathname   string
		binaryPath string
		want       Kind
	}{
		{"binary exact match", "/home/user/target", "/home/user/target", KindBinary},
		{"libc", "/lib/x86_64-linux-gnu/libc.so.6", "/home/user/target", KindLibc},
		{"libc versioned", "/lib/x86_64-linux-gnu/libc-2.31.so", "/home/user/target", KindLibc},
		{"dynamic linker", "/lib64/ld-linux-x86-64.so.2", "/home/user/target", KindLinker},
		{"anonymous", "", "/home/user/target", KindOther},
		{"other mapping", "/lib/x86_64-linux-gnu/libpthread.so.0", "/home/user/target", KindOther},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := classify(c.pathname, c.binaryPath); got != c.want {
				t.Errorf("classify(%q, %q) = %v, want %v", c.pathname, c.binaryPath, got, c.want)
			}
		})
	}
}

func TestMapFindByKindPrefersLowestBase(t *testing.T) {
	m := &Map{entries: []Entry{
		{Base: 0x2000, End: 0x3000, Kind: KindLibc},
		{Base: 0x1000, End: 0x1500, Kind: KindLibc},
	}}
	got, ok := m.FindByKind(KindLibc)
	if !ok {
		t.Fatal("expected a libc entry")
	}
	if got.Base != 0x1000 {
		t.Errorf("FindByKind picked base %#x, want the lowest base 0x1000", got.Base)
	}
}

func TestMapFindByAddr(t *testing.T) {
	m := &Map{entries: []Entry{
		{Base: 0x1000, End: 0x2000, Kind: KindBinary},
		{Base: 0x2000, End: 0x3000, Kind: KindLibc},
	}}
	if _, ok := m.FindByAddr(0x1500); !ok {
		t.Error("expected address 0x1500 to be found in the binary region")
	}
	if e, ok := m.FindByAddr(0x2000); !ok || e.Kind != KindLibc {
		t.Error("expected address 0x2000 to be found in the libc region (half-open upper bound)")
	}
	if _, ok := m.FindByAddr(0x3000); ok {
		t.Error("address 0x3000 is outside every region's half-open range")
	}
	if _, ok := m.FindByAddr(0); ok {
		t.Error("address 0 should not match any region")
	}
}
