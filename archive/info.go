package archive

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/bobg/geocache"
)

// Info describes how and when an archive was written.
// It is stored as a CBOR map with small integer keys.
type Info struct {
	Application     string    `cbor:"1,keyasint,omitempty"`
	Written         time.Time `cbor:"2,keyasint"`
	Description     string    `cbor:"3,keyasint,omitempty"`
	FramesPerSecond float64   `cbor:"4,keyasint,omitempty"`
}

// infoEncMode uses Core Deterministic Encoding,
// so the same Info always produces the same bytes.
var (
	infoEncMode cbor.EncMode
	infoDecMode cbor.DecMode
)

func init() {
	var err error
	infoEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("archive: CBOR encoder initialization failed: " + err.Error())
	}
	infoDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("archive: CBOR decoder initialization failed: " + err.Error())
	}
}

func (info Info) marshal() ([]byte, error) {
	data, err := infoEncMode.Marshal(info)
	return data, errors.Wrap(err, "encoding archive info")
}

func unmarshalInfo(data []byte) (Info, error) {
	var info Info
	if len(data) == 0 {
		return info, nil
	}
	if err := infoDecMode.Unmarshal(data, &info); err != nil {
		return info, errors.Wrapf(geocache.ErrFormat, "decoding archive info: %s", err)
	}
	return info, nil
}
