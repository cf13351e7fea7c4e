package ingestion

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/your-org/vodarchive/internal/bilibili"
	"github.com/your-org/vodarchive/pkg/storage/objectstore"
)

func TestIsJobFatal(t *testing.T) {
	unavailable := fmt.Errorf("upload part 1: %w", objectstore.ErrUnavailable)

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "auth", err: fmt.Errorf("nav: %w", bilibili.ErrAuth), want: true},
		{name: "existence check unavailable", err: fmt.Errorf("check existing object: %w", unavailable), want: true},
		{name: "part upload unavailable", err: &PartUploadError{Index: 1, Err: unavailable}, want: false},
		{name: "completion unavailable", err: &CompletionError{Err: unavailable}, want: false},
		{name: "auth inside part upload", err: &PartUploadError{Index: 2, Err: bilibili.ErrAuth}, want: true},
		{name: "no audio", err: bilibili.ErrNoAudioStream, want: false},
		{name: "plain", err: errors.New("access denied"), want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isJobFatal(tc.err))
		})
	}
}
