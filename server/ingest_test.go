package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestDecodeBatch(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    int
	}{
		{
			name:    "valid batch",
			payload: `[{"user_id":"@a:example.org","presence":"online"},{"user_id":"@b:remote.net","presence":"offline","status_msg":"gone"}]`,
			want:    2,
		},
		{
			name:    "malformed json",
			payload: `{"not":"a batch"`,
			want:    0,
		},
		{
			name:    "unknown status dropped",
			payload: `[{"user_id":"@a:example.org","presence":"lurking"},{"user_id":"@b:example.org","presence":"online"}]`,
			want:    1,
		},
		{
			name:    "missing subject dropped",
			payload: `[{"presence":"online"}]`,
			want:    0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch := decodeBatch(zap.NewNop(), []byte(tt.payload))
			assert.Len(t, batch, tt.want)
		})
	}
}
