package manifest_test

import (
	"testing"

	"github.com/gontrandl/autoweave-core/manifest"
	"github.com/stretchr/testify/require"
)

const minimalManifest = `{"name":"ex","version":"1.0.0","entry":"index.js",
 "permissions":{"filesystem":[{"path":"/var/ex","mode":"readwrite"}],
                "usb":{"vendor_ids":["0x1234"]},
                "memory":{"max_heap_mb":128}},
 "hooks":{"onLoad":"init","onUSBAttach":"handle"}}`

func TestValidateMinimalManifest(t *testing.T) {
	v := manifest.NewValidator(256)
	validated, err := v.Validate([]byte(minimalManifest))
	require.NoError(t, err)
	require.Equal(t, "ex", validated.Manifest.Name)
	require.Len(t, validated.Hash, 64)
}

func TestValidateEmptyManifest(t *testing.T) {
	v := manifest.NewValidator(256)
	_, err := v.Validate([]byte(`{}`))
	require.Error(t, err)
	var ve *manifest.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestValidateEveryPermissionFieldAbsent(t *testing.T) {
	v := manifest.NewValidator(256)
	validated, err := v.Validate([]byte(`{"name":"bare","version":"0.1.0","entry":"main.js"}`))
	require.NoError(t, err)
	require.Empty(t, validated.Manifest.Permissions.Filesystem)
}

func TestValidateRejectsPathTraversal(t *testing.T) {
	v := manifest.NewValidator(256)
	_, err := v.Validate([]byte(`{"name":"bad","version":"0.1.0","entry":"../../etc/passwd"}`))
	require.Error(t, err)
}

func TestValidateRejectsAbsoluteEntry(t *testing.T) {
	v := manifest.NewValidator(256)
	_, err := v.Validate([]byte(`{"name":"bad","version":"0.1.0","entry":"/etc/passwd"}`))
	require.Error(t, err)
}

func TestValidateRejectsNonAbsoluteFSPath(t *testing.T) {
	v := manifest.NewValidator(256)
	raw := `{"name":"bad","version":"0.1.0","entry":"a.js","permissions":{"filesystem":[{"path":"rel","mode":"read"}]}}`
	_, err := v.Validate([]byte(raw))
	require.Error(t, err)
}

func TestValidateRejectsExcessiveHeap(t *testing.T) {
	v := manifest.NewValidator(64)
	raw := `{"name":"bad","version":"0.1.0","entry":"a.js","permissions":{"memory":{"max_heap_mb":128}}}`
	_, err := v.Validate([]byte(raw))
	require.Error(t, err)
}

func TestValidateRejectsUnknownHook(t *testing.T) {
	v := manifest.NewValidator(256)
	raw := `{"name":"bad","version":"0.1.0","entry":"a.js","hooks":{"onFrobnicate":"x"}}`
	_, err := v.Validate([]byte(raw))
	require.Error(t, err)
}

func TestValidateCachesByHash(t *testing.T) {
	v := manifest.NewValidator(256)
	_, err1 := v.Validate([]byte(minimalManifest))
	_, err2 := v.Validate([]byte(minimalManifest))
	require.NoError(t, err1)
	require.NoError(t, err2)

	hits, misses := v.Stats()
	require.Equal(t, int64(1), misses)
	require.Equal(t, int64(1), hits)
}

func TestValidateIsIdempotentAcrossRuns(t *testing.T) {
	v := manifest.NewValidator(256)
	first, err := v.Validate([]byte(minimalManifest))
	require.NoError(t, err)
	second, err := v.Validate([]byte(minimalManifest))
	require.NoError(t, err)
	require.Equal(t, first.Hash, second.Hash)
}

func TestPluginIDStableAcrossManifestEdits(t *testing.T) {
	v := manifest.NewValidator(256)
	v1, err := v.Validate([]byte(minimalManifest))
	require.NoError(t, err)

	const editedManifest = `{"name":"ex","version":"2.0.0","entry":"index.js",
	 "permissions":{"usb":{"vendor_ids":["0x1234","0x9999"]}},
	 "hooks":{"onLoad":"init","onUnload":"cleanup"}}`
	v2, err := v.Validate([]byte(editedManifest))
	require.NoError(t, err)

	// plugin_id = hash(manifest.name): it must stay the same across a
	// hot reload that changes the manifest's content hash, and differ
	// for a distinct plugin name.
	require.NotEqual(t, v1.Hash, v2.Hash)
	require.Equal(t, v1.Manifest.PluginID(), v2.Manifest.PluginID())
	require.Len(t, v1.Manifest.PluginID(), 16)

	other := manifest.Manifest{Name: "other"}
	require.NotEqual(t, v1.Manifest.PluginID(), other.PluginID())
}
