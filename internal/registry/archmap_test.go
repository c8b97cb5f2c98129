package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchMapRoundTrip(t *testing.T) {
	for _, format := range []Format{Deb, RPM, OSI} {
		m := NewArchMap(format)
		for _, x := range []string{ArchSrc, ArchNoarch, ArchAMD64, ArchARM64} {
			native, err := m.Native(x)
			require.NoErrorf(t, err, "Native(%q)", x)
			got, err := m.Normalized(native)
			require.NoErrorf(t, err, "Normalized(%q)", native)
			assert.Equalf(t, x, got, "format %v: round trip %q -> %q -> %q", format, x, native, got)
		}
	}
}
