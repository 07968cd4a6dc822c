package adapter

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acms/internal/types"
)

func wireCode(t *testing.T, err error) string {
	t.Helper()
	var wire *WireError
	require.ErrorAs(t, err, &wire)
	return wire.Code
}

func TestRegisterAndAuthenticate(t *testing.T) {
	a, st := newTestAdapter(t)

	reg, err := a.RegisterUser("ada@example.com", "correct horse")
	require.NoError(t, err)
	assert.NotEmpty(t, reg.UserID)
	assert.Len(t, reg.PrivateKey, 64)

	principal, err := a.Authenticate("ada@example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, reg.UserID, principal.UserID)
	assert.Equal(t, "ada@example.com", principal.Email)

	// Wrong credential and unknown email fail identically.
	_, err = a.Authenticate("ada@example.com", "wrong")
	assert.Equal(t, CodeAuthenticationFailed, wireCode(t, err))
	_, err = a.Authenticate("nobody@example.com", "correct horse")
	assert.Equal(t, CodeAuthenticationFailed, wireCode(t, err))

	// Both the failed and successful attempts hit the audit trail.
	trail, err := st.AuditTrail(reg.UserID, 10)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, types.AuditLogin, trail[0].Action)
	assert.Equal(t, false, trail[0].Metadata["success"])
	assert.Equal(t, true, trail[1].Metadata["success"])
}

func TestRegisterValidation(t *testing.T) {
	a, _ := newTestAdapter(t)

	for _, email := range []string{"", "no-at-sign", "@example.com", "ada@", "a@b@c"} {
		_, err := a.RegisterUser(email, "secret")
		assert.Equal(t, CodeValidationError, wireCode(t, err), "email %q", email)
	}
	_, err := a.RegisterUser("ada@example.com", "")
	assert.Equal(t, CodeValidationError, wireCode(t, err))
}

func TestRegisterDuplicateEmail(t *testing.T) {
	a, _ := newTestAdapter(t)

	_, err := a.RegisterUser("ada@example.com", "secret")
	require.NoError(t, err)
	_, err = a.RegisterUser("ada@example.com", "secret")
	assert.Equal(t, CodeValidationError, wireCode(t, err))
}

func TestIngestAndGet(t *testing.T) {
	a, st := newTestAdapter(t)

	res, err := a.Ingest(context.Background(), "u1", "work", "reach me at ada@example.com about the launch")
	require.NoError(t, err)
	assert.NotEmpty(t, res.ItemID)
	assert.Equal(t, types.TierShort, res.Tier)
	assert.Greater(t, res.Score, 0.0)

	rec, err := a.GetMemory("u1", res.ItemID)
	require.NoError(t, err)
	assert.Equal(t, "reach me at ada@example.com about the launch", rec.Text)
	assert.Equal(t, map[string]int{"email": 1}, rec.PIIFlags)

	trail, err := st.AuditTrail("u1", 10)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, types.AuditRead, trail[0].Action)
	assert.Equal(t, types.AuditWrite, trail[1].Action)
	assert.Equal(t, res.ItemID, trail[1].ResourceID)
}

func TestIngestValidation(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	_, err := a.Ingest(ctx, "u1", "Not A Topic", "text")
	assert.Equal(t, CodeValidationError, wireCode(t, err))

	_, err = a.Ingest(ctx, "u1", "work", "")
	assert.Equal(t, CodeValidationError, wireCode(t, err))

	_, err = a.Ingest(ctx, "u1", "work", strings.Repeat("x", maxContentChars+1))
	assert.Equal(t, CodeValidationError, wireCode(t, err))

	// Exactly at the limit is fine.
	_, err = a.Ingest(ctx, "u1", "work", strings.Repeat("x", maxContentChars))
	assert.NoError(t, err)
}

func TestListMemoriesMetadataOnly(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	_, err := a.Ingest(ctx, "u1", "work", "first")
	require.NoError(t, err)
	_, err = a.Ingest(ctx, "u1", "personal", "second")
	require.NoError(t, err)

	page, err := a.ListMemories("u1", "", "", 0, 50)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	for _, rec := range page.Items {
		assert.Empty(t, rec.Text)
	}

	page, err = a.ListMemories("u1", "work", "", 0, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	_, err = a.ListMemories("u1", "bad topic", "", 0, 50)
	assert.Equal(t, CodeValidationError, wireCode(t, err))
	_, err = a.ListMemories("u1", "", types.Tier("eternal"), 0, 50)
	assert.Equal(t, CodeValidationError, wireCode(t, err))
}

func TestEditMemoryMergesFlags(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	res, err := a.Ingest(ctx, "u1", "work", "email ada@example.com")
	require.NoError(t, err)

	rec, err := a.EditMemory(ctx, "u1", res.ItemID, "ssn is 123-45-6789")
	require.NoError(t, err)
	assert.Equal(t, "ssn is 123-45-6789", rec.Text)

	// The old email flag survives the rewrite.
	assert.Equal(t, 1, rec.PIIFlags["email"])
	assert.Equal(t, 1, rec.PIIFlags["ssn"])

	_, err = a.EditMemory(ctx, "u1", uuid.NewString(), "text")
	assert.Equal(t, CodeNotFound, wireCode(t, err))
}

func TestPinMemory(t *testing.T) {
	a, _ := newTestAdapter(t)

	res, err := a.Ingest(context.Background(), "u1", "work", "keep this")
	require.NoError(t, err)

	rec, err := a.PinMemory("u1", res.ItemID, true)
	require.NoError(t, err)
	assert.True(t, rec.Pinned)

	rec, err = a.PinMemory("u1", res.ItemID, false)
	require.NoError(t, err)
	assert.False(t, rec.Pinned)
}

func TestDeleteMemory(t *testing.T) {
	a, _ := newTestAdapter(t)

	res, err := a.Ingest(context.Background(), "u1", "work", "ephemeral")
	require.NoError(t, err)

	require.NoError(t, a.DeleteMemory("u1", res.ItemID))
	_, err = a.GetMemory("u1", res.ItemID)
	assert.Equal(t, CodeNotFound, wireCode(t, err))

	err = a.DeleteMemory("u1", res.ItemID)
	assert.Equal(t, CodeNotFound, wireCode(t, err))
}

func TestQuery(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	_, err := a.Ingest(ctx, "u1", "work", "the deploy pipeline notes")
	require.NoError(t, err)

	bundle, err := a.Query(ctx, "u1", "what were the deploy notes", "", "", 0, false)
	require.NoError(t, err)
	assert.NotEmpty(t, bundle.Items)
	assert.NotEmpty(t, bundle.Summary)
}

func TestQueryValidation(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	_, err := a.Query(ctx, "u1", "", "", "", 0, false)
	assert.Equal(t, CodeValidationError, wireCode(t, err))

	_, err = a.Query(ctx, "u1", strings.Repeat("q", maxQueryChars+1), "", "", 0, false)
	assert.Equal(t, CodeValidationError, wireCode(t, err))

	for _, budget := range []int{minTokenBudget - 1, maxTokenBudget + 1} {
		_, err = a.Query(ctx, "u1", "q", "", "", budget, false)
		assert.Equal(t, CodeValidationError, wireCode(t, err), "budget %d", budget)
	}
	_, err = a.Query(ctx, "u1", "q", "", "", minTokenBudget, false)
	assert.NoError(t, err)

	// Compliance mode without a topic is rejected rather than silently
	// widening retrieval.
	_, err = a.Query(ctx, "u1", "q", "", "", 0, true)
	assert.Equal(t, CodeValidationError, wireCode(t, err))

	_, err = a.Query(ctx, "u1", "q", "work", "", 0, true)
	assert.NoError(t, err)
}

func TestRecordOutcome(t *testing.T) {
	a, st := newTestAdapter(t)
	ctx := context.Background()

	res, err := a.Ingest(ctx, "u1", "work", "a note")
	require.NoError(t, err)

	queryID := uuid.NewString()
	require.NoError(t, st.RecordQuery(types.QueryLogRecord{
		QueryID:   queryID,
		UserID:    "u1",
		QueryHash: "cafe",
		ItemsUsed: []string{res.ItemID},
	}))

	require.NoError(t, a.RecordOutcome("u1", types.OutcomeEvent{
		QueryID: queryID,
		Kind:    types.OutcomeThumbsUp,
	}))

	err = a.RecordOutcome("u1", types.OutcomeEvent{QueryID: queryID, Kind: "shrug"})
	assert.Equal(t, CodeValidationError, wireCode(t, err))
}

func TestExportAndDownload(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	reg, err := a.RegisterUser("ada@example.com", "secret")
	require.NoError(t, err)
	_, err = a.Ingest(ctx, reg.UserID, "work", "exportable note")
	require.NoError(t, err)

	handle, err := a.ExportMemory(reg.UserID, "work")
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	sealed, err := a.DownloadExport(reg.UserID, handle)
	require.NoError(t, err)
	assert.NotEmpty(t, sealed)

	_, err = a.DownloadExport("someone-else", handle)
	assert.Equal(t, CodeNotFound, wireCode(t, err))

	_, err = a.ExportMemory(reg.UserID, "bad topic")
	assert.Equal(t, CodeValidationError, wireCode(t, err))
}

func TestDeleteAllMemoryAsync(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	_, err := a.Ingest(ctx, "u1", "work", "one")
	require.NoError(t, err)
	_, err = a.Ingest(ctx, "u1", "work", "two")
	require.NoError(t, err)

	handle, err := a.DeleteAllMemory("u1", "work")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := a.DeletionStatusFor(handle)
		return err == nil && status.Done
	}, 5*time.Second, 10*time.Millisecond)

	status, err := a.DeletionStatusFor(handle)
	require.NoError(t, err)
	assert.False(t, status.Failed)
	assert.Equal(t, 2, status.ItemsRemoved)

	page, err := a.ListMemories("u1", "", "", 0, 50)
	require.NoError(t, err)
	assert.Zero(t, page.Total)

	_, err = a.DeletionStatusFor(uuid.NewString())
	assert.Equal(t, CodeNotFound, wireCode(t, err))

	_, err = a.DeleteAllMemory("u1", "bad topic")
	assert.Equal(t, CodeValidationError, wireCode(t, err))
}

func TestConsent(t *testing.T) {
	a, st := newTestAdapter(t)

	require.NoError(t, a.GrantConsent("u1", "work", "ssn"))
	ok, err := st.HasConsent("u1", "work", "ssn")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, a.RevokeConsent("u1", "work", "ssn"))
	ok, err = st.HasConsent("u1", "work", "ssn")
	require.NoError(t, err)
	assert.False(t, ok)

	err = a.GrantConsent("u1", "bad topic", "ssn")
	assert.Equal(t, CodeValidationError, wireCode(t, err))
}
