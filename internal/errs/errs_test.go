package errs

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestKindMatching(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"auth", AuthenticationError("Failed to read private key: boom", io.EOF), Authentication},
		{"transport", TransportError("dial", io.ErrUnexpectedEOF), Transport},
		{"channel", ChannelOpenError("sftp", io.EOF), ChannelOpen},
		{"too large", FileTooLargeError("/var/log/big", 6<<20, 5<<20), FileTooLarge},
		{"not connected", NotConnectedError("srv-1"), NotConnected},
		{"remote", RemoteOperationError("rename", "/tmp/a", io.EOF), RemoteOperation},
		{"exhausted", ReconnectExhaustedError(3), ReconnectExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			if !Is(wrapped, tt.kind) {
				t.Errorf("Is(%v, %s) = false", wrapped, tt.kind)
			}
			if got := KindOf(wrapped); got != tt.kind {
				t.Errorf("KindOf() = %s, want %s", got, tt.kind)
			}
		})
	}
}

func TestMessages(t *testing.T) {
	if got := FileTooLargeError("/f", 10<<20, 5<<20).Error(); got != "File too large to edit (max 5MB)" {
		t.Errorf("FileTooLargeError message = %q", got)
	}
	if got := NotConnectedError("x").Error(); got != "Not connected" {
		t.Errorf("NotConnectedError message = %q", got)
	}
	if !errors.Is(NotConnectedError("x"), ErrNotConnected) {
		t.Error("NotConnectedError should wrap ErrNotConnected")
	}
	if got := TransportError("dial", io.EOF).Error(); got != "dial failed: EOF" {
		t.Errorf("TransportError message = %q", got)
	}
	if KindOf(io.EOF) != "" {
		t.Error("KindOf plain error should be empty")
	}
}
