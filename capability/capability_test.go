package capability_test

import (
	"testing"

	"github.com/gontrandl/autoweave-core/capability"
	"github.com/stretchr/testify/require"
)

func TestFSGrantValidate(t *testing.T) {
	require.NoError(t, capability.FSGrant{Path: "/var/ex", Mode: capability.ModeReadWrite}.Validate())
	require.Error(t, capability.FSGrant{Path: "var/ex", Mode: capability.ModeRead}.Validate())
	require.Error(t, capability.FSGrant{Path: "/var/ex", Mode: "bogus"}.Validate())
}

func TestFSAccessContainment(t *testing.T) {
	grants := []capability.FSGrant{{Path: "/var/ex", Mode: capability.ModeReadWrite}}

	require.True(t, capability.FSAccess(grants, "/var/ex", capability.ModeRead))
	require.True(t, capability.FSAccess(grants, "/var/ex/sub/file.txt", capability.ModeWrite))
	require.False(t, capability.FSAccess(grants, "/var/extra/file.txt", capability.ModeRead))
	require.False(t, capability.FSAccess(grants, "/etc/passwd", capability.ModeRead))
	require.False(t, capability.FSAccess(grants, "relative/path", capability.ModeRead))
}

func TestFSAccessModeEnforced(t *testing.T) {
	grants := []capability.FSGrant{{Path: "/var/ex", Mode: capability.ModeRead}}
	require.True(t, capability.FSAccess(grants, "/var/ex/x", capability.ModeRead))
	require.False(t, capability.FSAccess(grants, "/var/ex/x", capability.ModeWrite))
}

func TestURLGlobMatch(t *testing.T) {
	patterns := []string{"https://api.example.com/v1/*"}
	require.True(t, capability.URLGlobMatch(patterns, "https://api.example.com/v1/widgets"))
	require.False(t, capability.URLGlobMatch(patterns, "https://api.example.com/v2/widgets"))
	require.False(t, capability.URLGlobMatch(patterns, "https://evil.example.com/v1/widgets"))
}

func TestUSBGrantMatches(t *testing.T) {
	g := capability.USBGrant{VendorIDs: []string{"0x1234"}}
	require.True(t, g.Matches("0x1234", "0x5678"))
	require.False(t, g.Matches("0x9999", "0x5678"))

	g2 := capability.USBGrant{VendorIDs: []string{"0x1234"}, ProductIDs: []string{"0xaaaa"}}
	require.True(t, g2.Matches("0x1234", "0x5678"))
	require.True(t, g2.Matches("0x0000", "0xaaaa"))
}
