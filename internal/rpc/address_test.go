package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		kind    AddressKind
		value   string
		wantErr bool
	}{
		{in: "+15551234567", kind: KindPhone, value: "+15551234567"},
		{in: " +447700900123 ", kind: KindPhone, value: "+447700900123"},
		{in: "0B6BB2F2-6A8D-4C43-9A0E-3A3C1F2B9F10", kind: KindUUID, value: "0b6bb2f2-6a8d-4c43-9a0e-3a3c1f2b9f10"},
		{in: "group.c29tZWdyb3Vw", kind: KindGroup, value: "c29tZWdyb3Vw"},
		{in: "+12", wantErr: true},
		{in: "+1555abc4567", wantErr: true},
		{in: "group.", wantErr: true},
		{in: "alice", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			addr, err := ParseAddress(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAddress)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, addr.Kind)
			assert.Equal(t, tt.value, addr.Value)
		})
	}
}

func TestAddressStringRoundTrips(t *testing.T) {
	for _, s := range []string{"+15551234567", "group.abc", "0b6bb2f2-6a8d-4c43-9a0e-3a3c1f2b9f10"} {
		addr, err := ParseAddress(s)
		require.NoError(t, err)
		assert.Equal(t, s, addr.String())
	}
}

func TestNewAddress_UnknownKind(t *testing.T) {
	_, err := NewAddress("email", "a@b.c")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}
