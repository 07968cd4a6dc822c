package policy

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

	"acms/internal/store"
	"acms/internal/types"
)

func TestExportImportRoundTrip(t *testing.T) {
	eng, st, km := newTestEngine(t)

	pub, priv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	require.NoError(t, st.CreateUser(&types.User{
		ID:             "u1",
		Email:          "u1@example.com",
		CredentialHash: "h",
		PublicKey:      pub[:],
	}))

	live := seed(t, st, km, "u1", "work", "live item")
	archived := seed(t, st, km, "u1", "work", "archived item")
	require.NoError(t, st.Archive("u1", []string{archived.ID}))
	seed(t, st, km, "u1", "personal", "other topic")

	handleID, err := eng.Export("u1", "work", time.Hour)
	require.NoError(t, err)

	handle, err := st.GetExport(handleID, "u1")
	require.NoError(t, err)

	// Only the holder of the private key can open the bundle.
	opened, ok := box.OpenAnonymous(nil, handle.Bundle, pub, priv)
	require.True(t, ok)

	var bundle Bundle
	require.NoError(t, json.Unmarshal(opened, &bundle))
	assert.Equal(t, BundleSchemaVersion, bundle.SchemaVersion)
	assert.Equal(t, "u1", bundle.UserID)
	assert.NotEmpty(t, bundle.Readme)
	require.Len(t, bundle.Items, 2)

	texts := map[string]bool{}
	for _, item := range bundle.Items {
		texts[item.Text] = item.Archived
		assert.Equal(t, "work", item.Topic)
		assert.NotEmpty(t, item.Vector)
	}
	assert.Contains(t, texts, "live item")
	assert.True(t, texts["archived item"])

	// Importing under a second user re-encrypts with fresh ids.
	count, err := eng.Import("u2", opened)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	page, err := st.List("u2", store.ListFilter{}, 0, 50)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	imported, err := st.Get(page.Items[0].ID, "u2")
	require.NoError(t, err)
	assert.Equal(t, "live item", imported.Text)

	for _, id := range []string{live.ID, archived.ID} {
		_, err := st.Get(id, "u2")
		assert.True(t, errors.Is(err, types.ErrNotFound))
	}
}

func TestExportRequiresPublicKey(t *testing.T) {
	eng, st, _ := newTestEngine(t)

	require.NoError(t, st.CreateUser(&types.User{
		ID:             "u1",
		Email:          "u1@example.com",
		CredentialHash: "h",
	}))
	_, err := eng.Export("u1", "", time.Hour)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrKeyUnavailable))
}

func TestImportRejectsBadBundle(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	_, err := eng.Import("u1", []byte("not json"))
	assert.True(t, errors.Is(err, types.ErrValidation))

	wrong, _ := json.Marshal(Bundle{SchemaVersion: BundleSchemaVersion + 1})
	_, err = eng.Import("u1", wrong)
	assert.True(t, errors.Is(err, types.ErrSchemaMismatch))
}
