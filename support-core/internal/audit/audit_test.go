package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSinkChainsEvents(t *testing.T) {
	ctx := context.Background()
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	first := NewEvent(EventProposalCreated, "model", "code-1", "code", map[string]interface{}{"risk": "low"})
	second := NewEvent(EventApprovalRecorded, "alice", "code-1", "code", map[string]interface{}{"approvals": 1})
	require.NoError(t, sink.Append(ctx, first))
	require.NoError(t, sink.Append(ctx, second))

	assert.Empty(t, first.PrevHash)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.Equal(t, second.Hash, sink.Head())

	n, err := sink.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := sink.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Actor)

	_, err = sink.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileSinkVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)

	ev := NewEvent(EventRejected, "bob", "infrastructure-1", "infrastructure", map[string]interface{}{"reason": "too risky"})
	require.NoError(t, sink.Append(ctx, ev))

	ev.Actor = "mallory"
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "audit_"+ev.ID+".json"), b, 0o644))

	_, err = sink.Verify(ctx)
	assert.Error(t, err)
}

func TestFileSinkVerifyEmpty(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)
	n, err := sink.Verify(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

type fakeWriter struct {
	failures int
	calls    int
	msgs     []kafka.Message
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.calls++
	if w.calls <= w.failures {
		return errors.New("leader not available")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaProducerRetries(t *testing.T) {
	w := &fakeWriter{failures: 2}
	p := newKafkaProducer(w, KafkaProducerConfig{MaxAttempts: 3})
	p.backoff = time.Millisecond

	require.NoError(t, p.Produce(context.Background(), []byte("k"), []byte("v")))
	assert.Equal(t, 3, w.calls)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("k"), w.msgs[0].Key)
}

func TestKafkaProducerGivesUp(t *testing.T) {
	w := &fakeWriter{failures: 10}
	p := newKafkaProducer(w, KafkaProducerConfig{MaxAttempts: 2})
	p.backoff = time.Millisecond

	err := p.Produce(context.Background(), nil, []byte("v"))
	assert.ErrorContains(t, err, "after 2 attempts")
	assert.Equal(t, 2, w.calls)
}

func TestNewKafkaProducerValidates(t *testing.T) {
	_, err := NewKafkaProducer(KafkaProducerConfig{Topic: "audit"})
	assert.Error(t, err)
	_, err = NewKafkaProducer(KafkaProducerConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}

type recordingProducer struct {
	key, value []byte
}

func (r *recordingProducer) Produce(ctx context.Context, key, value []byte) error {
	r.key, r.value = key, value
	return nil
}

func TestKafkaSinkKeysByProposal(t *testing.T) {
	prod := &recordingProducer{}
	ev := NewEvent(EventApproved, "alice", "code-7", "code", nil)
	ev.Hash = "abc"
	require.NoError(t, NewKafkaSink(prod).Append(context.Background(), ev))

	assert.Equal(t, "code-7", string(prod.key))
	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(prod.value, &env))
	assert.Equal(t, "proposal.approved", env["eventType"])
	assert.Equal(t, "abc", env["hash"])
}

type fakeUploader struct {
	key  string
	body []byte
	err  error
}

func (u *fakeUploader) Upload(ctx context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if u.err != nil {
		return nil, u.err
	}
	u.key = aws.ToString(in.Key)
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	u.body = b
	return &manager.UploadOutput{}, nil
}

func TestS3SinkArchivesByDate(t *testing.T) {
	up := &fakeUploader{}
	sink, err := NewS3SinkWithUploader(up, "audit-bucket", "support")
	require.NoError(t, err)

	ev := NewEvent(EventExecuted, "ops", "code-9", "code", nil)
	ev.Ts = time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Append(context.Background(), ev))

	assert.Equal(t, "support/audit/2025/03/04/"+ev.ID+".json", up.key)
	assert.Contains(t, string(up.body), `"eventType":"proposal.executed"`)

	up.err = errors.New("denied")
	assert.Error(t, sink.Append(context.Background(), ev))

	_, err = NewS3SinkWithUploader(up, "", "")
	assert.Error(t, err)
}

type failingSink struct{}

func (failingSink) Append(context.Context, *Event) error { return errors.New("down") }

func TestMultiSinkContinuesPastFailures(t *testing.T) {
	prod := &recordingProducer{}
	m := MultiSink{failingSink{}, NewKafkaSink(prod), NopSink{}}
	err := m.Append(context.Background(), NewEvent(EventProposalCreated, "model", "doc-1", "documentation", nil))
	assert.ErrorContains(t, err, "down")
	assert.Equal(t, "doc-1", string(prod.key))
}
