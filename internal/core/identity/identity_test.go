package identity

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGenerate(t *testing.T) {
	for i := 0; i < 50; i++ {
		id, err := Generate()
		require.NoError(t, err)
		require.Len(t, id, 11)
		assert.Equal(t, byte('-'), id[5])

		for _, r := range strings.ReplaceAll(id, "-", "") {
			assert.True(t, strings.ContainsRune(alphabet, r), "unexpected character %q in %s", r, id)
		}
	}
}

func TestLoad_CreatesFileWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "identity.json")

	store, err := Load(path, false, discardLogger())
	require.NoError(t, err)

	id := store.Get()
	assert.Len(t, id.SSID, 11)
	assert.NotEmpty(t, id.ClientUUID)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk Identity
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, id, onDisk)
}

func TestLoad_ReusesExistingID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	first, err := Load(path, false, discardLogger())
	require.NoError(t, err)
	second, err := Load(path, false, discardLogger())
	require.NoError(t, err)

	assert.Equal(t, first.Get(), second.Get())
}

func TestLoad_UpgradesFileWithoutUUID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"ssId":"ABCDE-12345"}`), 0o600))

	store, err := Load(path, false, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, "ABCDE-12345", store.Get().SSID)
	assert.NotEmpty(t, store.Get().ClientUUID)
}

func TestLoad_Reset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"ssId":"ABCDE-12345","clientUuid":"x"}`), 0o600))

	store, err := Load(path, true, discardLogger())
	require.NoError(t, err)
	assert.NotEqual(t, "ABCDE-12345", store.Get().SSID)
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o600))

	_, err := Load(path, false, discardLogger())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "identity: parse")
}

func TestLoad_ResetAndDeviceID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	store, err := Load(path, false, discardLogger())
	require.NoError(t, err)
	before := store.Get()

	store, err = Load(path, true, discardLogger())
	require.NoError(t, err)
	after := store.Get()
	assert.NotEqual(t, before.SSID, after.SSID)

	reloaded, err := Load(path, false, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, after, reloaded.Get())

	deviceID := store.DeviceID()
	assert.Contains(t, deviceID, `id="`+after.SSID+`"`)
	assert.Contains(t, deviceID, `uuid="`+after.ClientUUID+`"`)
	assert.True(t, strings.HasPrefix(deviceID, "ss3d; "))
}
