package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ugorji/go/codec"
)

func encodeMap(t *testing.T, m map[string]interface{}) []byte {
	t.Helper()
	var out []byte
	require.NoError(t, codec.NewEncoderBytes(&out, msgpackHandle()).Encode(m))
	return out
}

func TestDecodeBundle(t *testing.T) {
	payload, err := EncodeBundle(&Bundle{Name: "img001.dcm", Data: []byte{0, 1, 2, 3}, Finish: true})
	require.NoError(t, err)

	b, err := DecodeBundle(payload)
	require.NoError(t, err)
	assert.Equal(t, "img001.dcm", b.Name)
	assert.Equal(t, []byte{0, 1, 2, 3}, b.Data)
	assert.True(t, b.Finish)
}

func TestDecodeBundleWithoutFinish(t *testing.T) {
	b, err := DecodeBundle(encodeMap(t, map[string]interface{}{"a.dcm": []byte("x")}))
	require.NoError(t, err)
	assert.False(t, b.Finish)
	assert.Equal(t, "a.dcm", b.Name)
}

func TestDecodeBundleRejects(t *testing.T) {
	tests := []struct {
		name string
		m    map[string]interface{}
		want error
	}{
		{"no file", map[string]interface{}{FinishKey: true}, errNoFile},
		{"two files", map[string]interface{}{"a": []byte("x"), "b": []byte("y")}, errManyFiles},
		{"path in name", map[string]interface{}{"../etc/passwd": []byte("x")}, errBadFileName},
		{"dot dot", map[string]interface{}{"..": []byte("x")}, errBadFileName},
		{"number value", map[string]interface{}{"a.dcm": 12}, errBadFileValue},
		{"finish not bool", map[string]interface{}{"a.dcm": []byte("x"), FinishKey: 1}, errBadFinishFlag},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeBundle(encodeMap(t, tt.m))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecodeBundleGarbage(t *testing.T) {
	_, err := DecodeBundle([]byte("not msgpack at all"))
	assert.Error(t, err)
}

func tokenValue(t *testing.T, r Result) interface{} {
	t.Helper()
	b, err := EncodeToken(r)
	require.NoError(t, err)
	v, err := DecodeToken(b)
	require.NoError(t, err)
	if raw, ok := v.([]byte); ok {
		return string(raw)
	}
	return v
}

func TestTokens(t *testing.T) {
	assert.Equal(t, true, tokenValue(t, ResultStored))
	assert.Equal(t, false, tokenValue(t, ResultDeliveryFailed))
	assert.Equal(t, "datalength", tokenValue(t, ResultDataLength))
	assert.Equal(t, "PACS", tokenValue(t, ResultPACS))
}
