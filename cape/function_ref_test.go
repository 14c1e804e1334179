package cape_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capeprivacy/go-cape/cape"
)

func TestNewFunctionRef(t *testing.T) {
	ref, err := cape.NewFunctionRef("fn-id", "abcd", "tok")
	require.NoError(t, err)
	assert.Equal(t, "fn-id", ref.ID)
	assert.Equal(t, "abcd", ref.Checksum)
	assert.Equal(t, "tok", ref.Token)

	_, err = cape.NewFunctionRef("", "", "")
	assert.Error(t, err, "The function ID is required")
}

func TestParseFunctionRef(t *testing.T) {
	ref, err := cape.ParseFunctionRef([]byte(`{
		"function_id": "fn-id",
		"function_checksum": "abcd",
		"function_token": "tok"
	}`))
	require.NoError(t, err)
	assert.Equal(t, cape.FunctionRef{ID: "fn-id", Checksum: "abcd", Token: "tok"}, ref)

	_, err = cape.ParseFunctionRef([]byte(`{"function_checksum": "abcd"}`))
	assert.Error(t, err, "A reference without function_id is invalid")

	_, err = cape.ParseFunctionRef([]byte(`not json`))
	assert.Error(t, err)
}

func TestLoadFunctionRef(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ref.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"function_id": "fn-id"}`), 0o644))

	ref, err := cape.LoadFunctionRef(path)
	require.NoError(t, err)
	assert.Equal(t, "fn-id", ref.ID)

	_, err = cape.LoadFunctionRef(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestFunctionRefAuthProtocol(t *testing.T) {
	withToken := cape.FunctionRef{ID: "fn", Token: "tok"}
	assert.Equal(t, cape.AuthProtocolFunction, withToken.AuthProtocol())

	withoutToken := cape.FunctionRef{ID: "fn"}
	assert.Equal(t, cape.AuthProtocolPlatform, withoutToken.AuthProtocol())
}
