package protocol

import (
	"bytes"
	"encoding/gob"

	log "github.com/sirupsen/logrus"
)

// Codec is implemented by every wire and record type.
type Codec interface {
	Reset()
}

// Marshal encode msg with gob.
func Marshal(msg Codec) ([]byte, error) {
	var buf bytes.Buffer
	encoder := gob.NewEncoder(&buf)
	if err := encoder.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MustMarshal encode msg, panic on failure.
func MustMarshal(msg Codec) []byte {
	d, err := Marshal(msg)
	if err != nil {
		log.Panicf("marshal should never fail (%v)", err)
	}
	return d
}

// Unmarshal decode data into msg.
func Unmarshal(msg Codec, data []byte) error {
	buf := bytes.NewBuffer(data)
	decoder := gob.NewDecoder(buf)
	return decoder.Decode(msg)
}

// MustUnmarshal decode data into msg, panic on failure.
func MustUnmarshal(msg Codec, data []byte) {
	if err := Unmarshal(msg, data); err != nil {
		log.Panicf("unmarshal should never fail (%v)", err)
	}
}
