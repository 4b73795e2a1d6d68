package substrate

import (
	"context"

	"distcoder/models"
)

// Copy is a passthrough Transcoder: the output of a chunk is its packet
// payloads concatenated in packet order. It is used for stream copy jobs
// and by tests.
type Copy struct{}

// NewSession implements Transcoder.
func (Copy) NewSession(ctx context.Context, params models.TranscodeParams) (Session, error) {
	return copySession{}, nil
}

type copySession struct{}

func (copySession) Transcode(ctx context.Context, chunk *models.Chunk) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]byte, 0, chunk.SizeBytes)
	for _, p := range chunk.Packets {
		out = append(out, p.Data...)
	}
	return out, nil
}

func (copySession) Close() error { return nil }
