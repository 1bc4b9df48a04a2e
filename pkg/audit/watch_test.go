package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentineld/kernel/pkg/signer"
)

func TestFileStorageWatchNotifiesOnAppend(t *testing.T) {
	storage, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)
	defer storage.Close()

	w, err := storage.Watch()
	require.NoError(t, err)
	defer w.Close()

	sign, err := signer.New()
	require.NoError(t, err)
	log, err := New(storage, sign)
	require.NoError(t, err)

	_, err = log.Append("s1", "read_file", Proof{Kind: ProofSystem, Reason: "test"}, Outcome{Kind: OutcomeAllowed})
	require.NoError(t, err)

	select {
	case <-w.Notify():
	case <-time.After(2 * time.Second):
		t.Fatal("expected a notification after append")
	}
}
