package job

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/asset-pipeline/internal/model"
)

func TestMain(m *testing.M) {
	zlog.Init()
	os.Exit(m.Run())
}

type fakeService struct {
	got model.JobPayload
	err error
}

func (f *fakeService) ProcessJob(_ context.Context, p model.JobPayload) error {
	f.got = p
	return f.err
}

func TestHandleDecodesPayload(t *testing.T) {
	svc := &fakeService{}
	h := NewHandler(svc)

	payload := model.JobPayload{JobID: uuid.New(), BatchID: uuid.New(), FileName: "PL_ABC_front.png", InputRef: "inputs/x"}
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	require.NoError(t, h.Handle(context.Background(), kafka.Message{Value: data}))
	assert.Equal(t, payload, svc.got)
}

func TestHandleKeepsPersistenceErrorsMatchable(t *testing.T) {
	svc := &fakeService{err: &model.PersistenceError{Op: "claim", Err: errors.New("down")}}
	h := NewHandler(svc)

	data, err := json.Marshal(model.JobPayload{JobID: uuid.New()})
	require.NoError(t, err)

	err = h.Handle(context.Background(), kafka.Message{Value: data})
	assert.True(t, model.IsPersistence(err))
}

func TestHandleRejectsGarbage(t *testing.T) {
	h := NewHandler(&fakeService{})
	err := h.Handle(context.Background(), kafka.Message{Value: []byte("{")})
	require.Error(t, err)
	assert.False(t, model.IsPersistence(err))
}
