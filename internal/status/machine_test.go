package status

import (
	"testing"

	"github.com/stretchr/testify/require"

	"meeting-tracker/internal/models"
)

func TestApplyMapsVocabulary(t *testing.T) {
	tests := []struct {
		name     string
		current  models.MeetingStatus
		external string
		sig      Signals
		want     Transition
	}{
		{"pending joins", models.StatusPending, "joining", Signals{}, TransitionTo(models.StatusStarted)},
		{"pending staged", models.StatusPending, "staged", Signals{}, TransitionTo(models.StatusStarted)},
		{"started ends", models.StatusStarted, "ended", Signals{}, TransitionTo(models.StatusCompleted)},
		{"pending ends", models.StatusPending, "ended", Signals{}, TransitionTo(models.StatusCompleted)},
		{"started fails", models.StatusStarted, "failed", Signals{}, TransitionTo(models.StatusFailed)},
		{"started errors", models.StatusStarted, "error", Signals{}, TransitionTo(models.StatusFailed)},
		{"joining while started is a no-op", models.StatusStarted, "joining", Signals{}, Unchanged()},
		{"post_processing is unmapped", models.StatusStarted, "post_processing", Signals{}, Unchanged()},
		{"garbage is unmapped", models.StatusStarted, "some_new_vendor_state", Signals{}, Unchanged()},
		{"ended with recording failure", models.StatusStarted, "ended", Signals{RecordingFailed: true}, TransitionTo(models.StatusFailed)},
		{"ended with transcription failure", models.StatusStarted, "ended", Signals{TranscriptionFailed: true}, TransitionTo(models.StatusFailed)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Apply(tt.current, tt.external, tt.sig))
		})
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	cur := models.StatusPending
	tr := Apply(cur, "ended", Signals{})
	require.True(t, tr.Changed)
	cur = tr.To

	// Duplicate deliveries of the same observation change nothing.
	for i := 0; i < 5; i++ {
		require.Equal(t, Unchanged(), Apply(cur, "ended", Signals{}))
	}
	require.Equal(t, models.StatusCompleted, cur)
}

func TestTerminalStatusesAbsorbEverything(t *testing.T) {
	for _, terminal := range []models.MeetingStatus{models.StatusCompleted, models.StatusFailed} {
		for _, external := range []string{"joining", "ended", "failed", "error", "bogus", "post_processing"} {
			require.Equal(t, Unchanged(), Apply(terminal, external, Signals{}),
				"terminal %s must absorb %s", terminal, external)
		}
	}
}

func TestApplyIsOrderIndependent(t *testing.T) {
	// Webhook and poll observe the same real-world "ended" state. The final
	// status must not depend on which path applies first.
	apply := func(cur models.MeetingStatus, external string) models.MeetingStatus {
		if tr := Apply(cur, external, Signals{}); tr.Changed {
			return tr.To
		}
		return cur
	}

	a := apply(apply(models.StatusStarted, "ended"), "ended")
	b := apply(apply(models.StatusStarted, "ended"), "ended")
	require.Equal(t, a, b)
	require.Equal(t, models.StatusCompleted, a)

	// Stale join-phase observation arriving after the terminal one.
	c := apply(apply(models.StatusStarted, "ended"), "joining")
	d := apply(apply(models.StatusStarted, "joining"), "ended")
	require.Equal(t, models.StatusCompleted, c)
	require.Equal(t, models.StatusCompleted, d)
}

func TestKnown(t *testing.T) {
	require.True(t, Known("ended"))
	require.True(t, Known("joining"))
	require.False(t, Known("post_processing"))
	require.False(t, Known(""))
}

func TestTerminalInducing(t *testing.T) {
	require.True(t, TerminalInducing("ended"))
	require.True(t, TerminalInducing("failed"))
	require.True(t, TerminalInducing("error"))
	require.False(t, TerminalInducing("joining"))
	require.False(t, TerminalInducing("post_processing"))
}
