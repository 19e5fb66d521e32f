package ingest

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/ugorji/go/codec"
)

// FinishKey marks the last chunk of an upload in the bundle map.
const FinishKey = "FINISH"

var (
	errNoFile        = errors.New("bundle carries no file")
	errManyFiles     = errors.New("bundle carries more than one file")
	errBadFileName   = errors.New("bundle file name is not a plain name")
	errBadFileValue  = errors.New("bundle file value is not binary")
	errBadFinishFlag = errors.New("bundle FINISH marker is not a boolean")
)

// Bundle is one decoded upload: a single file plus the last-chunk marker.
type Bundle struct {
	Name   string
	Data   []byte
	Finish bool
}

func msgpackHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true // str and bin are distinct types on the wire
	return h
}

// DecodeBundle decodes the msgpack map sent by the upload client.
func DecodeBundle(payload []byte) (*Bundle, error) {
	var m map[string]interface{}
	if err := codec.NewDecoderBytes(payload, msgpackHandle()).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}

	b := &Bundle{}
	for k, v := range m {
		if k == FinishKey {
			finish, ok := v.(bool)
			if !ok {
				return nil, errBadFinishFlag
			}
			b.Finish = finish
			continue
		}
		if b.Name != "" {
			return nil, errManyFiles
		}
		if k == "" || k == "." || k == ".." || filepath.Base(k) != k {
			return nil, fmt.Errorf("%w: %q", errBadFileName, k)
		}
		switch data := v.(type) {
		case []byte:
			b.Data = data
		case string:
			b.Data = []byte(data)
		default:
			return nil, fmt.Errorf("%w: %T", errBadFileValue, v)
		}
		b.Name = k
	}
	if b.Name == "" {
		return nil, errNoFile
	}
	return b, nil
}

// EncodeBundle produces the wire form of a bundle, as the upload client does.
func EncodeBundle(b *Bundle) ([]byte, error) {
	m := map[string]interface{}{
		b.Name:    b.Data,
		FinishKey: b.Finish,
	}
	var out []byte
	if err := codec.NewEncoderBytes(&out, msgpackHandle()).Encode(m); err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	return out, nil
}

// EncodeToken serialises a result token for the upload acknowledgement.
func EncodeToken(r Result) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, msgpackHandle()).Encode(r.Token()); err != nil {
		return nil, fmt.Errorf("encode token: %w", err)
	}
	return out, nil
}

// DecodeToken reads an acknowledgement back; used by clients and tests.
func DecodeToken(b []byte) (interface{}, error) {
	var v interface{}
	if err := codec.NewDecoderBytes(b, msgpackHandle()).Decode(&v); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return v, nil
}
