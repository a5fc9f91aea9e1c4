package verify

import (
	"errors"
	"testing"
	"time"
)

func TestValidateEvent(t *testing.T) {
	valid := NewEvent(ModalityVoice, true, 0.92)

	tests := []struct {
		name    string
		mutate  func(ev *Event)
		wantErr bool
	}{
		{
			name:    "valid voice event",
			mutate:  func(ev *Event) {},
			wantErr: false,
		},
		{
			name:    "confidence at lower bound",
			mutate:  func(ev *Event) { ev.Confidence = 0.0 },
			wantErr: false,
		},
		{
			name:    "confidence at upper bound",
			mutate:  func(ev *Event) { ev.Confidence = 1.0 },
			wantErr: false,
		},
		{
			name:    "confidence above range",
			mutate:  func(ev *Event) { ev.Confidence = 1.7 },
			wantErr: true,
		},
		{
			name:    "confidence below range",
			mutate:  func(ev *Event) { ev.Confidence = -0.1 },
			wantErr: true,
		},
		{
			name:    "unknown modality",
			mutate:  func(ev *Event) { ev.Modality = Modality("retina") },
			wantErr: true,
		},
		{
			name:    "missing timestamp",
			mutate:  func(ev *Event) { ev.Timestamp = time.Time{} },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := valid
			tt.mutate(&ev)

			err := ValidateEvent(ev)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidEvent) {
					t.Errorf("ValidateEvent() error = %v, want ErrInvalidEvent", err)
				}
			} else if err != nil {
				t.Errorf("ValidateEvent() unexpected error = %v", err)
			}
		})
	}
}

func TestModalityValid(t *testing.T) {
	for _, m := range []Modality{ModalityVoice, ModalityKeystroke, ModalityMouse, ModalityCombined} {
		if !m.Valid() {
			t.Errorf("Valid() = false for known modality %q", m)
		}
	}
	if Modality("gait").Valid() {
		t.Error("Valid() = true for unknown modality")
	}
}

func TestResultEvent(t *testing.T) {
	res := Result{
		Verified:   true,
		Confidence: 0.87,
		Details:    map[string]any{"model": "ecapa-tdnn"},
	}

	ev := res.Event(ModalityVoice)
	if ev.ID == "" {
		t.Error("event ID should not be empty")
	}
	if ev.Modality != ModalityVoice {
		t.Errorf("Modality = %v, want %v", ev.Modality, ModalityVoice)
	}
	if ev.Confidence != 0.87 || !ev.Verified {
		t.Errorf("event did not carry result values: %+v", ev)
	}
	if ev.Details["model"] != "ecapa-tdnn" {
		t.Error("event should carry opaque details through")
	}
	if ev.Timestamp.IsZero() {
		t.Error("event timestamp should be set")
	}
}
