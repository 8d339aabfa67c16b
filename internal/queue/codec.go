package queue

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Job payloads are stored with core deterministic encoding; unknown
// fields are ignored on decode so older workers can read newer rows.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("queue: cbor encoder init: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("queue: cbor decoder init: " + err.Error())
	}
}

func encodeJob(job Job) ([]byte, error) {
	raw, err := encMode.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("queue: encode job: %w", err)
	}
	return raw, nil
}

func decodeJob(raw []byte) (Job, error) {
	var job Job
	if err := decMode.Unmarshal(raw, &job); err != nil {
		return Job{}, fmt.Errorf("queue: decode job: %w", err)
	}
	return job, nil
}
