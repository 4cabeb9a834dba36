package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/phenomenon0/surebet/pkg/streaming"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	events []streaming.Event
	err    error
}

func (r *recordingPublisher) Publish(ctx context.Context, e streaming.Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestFanoutContinuesPastFailures(t *testing.T) {
	bad := &recordingPublisher{err: errors.New("down")}
	good := &recordingPublisher{}
	f := NewFanout(nil, bad, nil, good)

	assert.Equal(t, 2, f.Len())

	err := f.Publish(context.Background(), streaming.NewEvent(streaming.EventTypeAction, "a1", nil))
	assert.Error(t, err)
	assert.Len(t, bad.events, 1)
	assert.Len(t, good.events, 1)
}

func TestOnlyFiltersTypes(t *testing.T) {
	rec := &recordingPublisher{}
	p := Only(rec, streaming.EventTypeAction)

	ctx := context.Background()
	require.NoError(t, p.Publish(ctx, streaming.NewEvent(streaming.EventTypeSnapshot, "open", nil)))
	require.NoError(t, p.Publish(ctx, streaming.NewEvent(streaming.EventTypeAction, "a1", nil)))

	require.Len(t, rec.events, 1)
	assert.Equal(t, streaming.EventTypeAction, rec.events[0].Type)
}

type fakeRedis struct {
	published map[string][][]byte
	set       map[string][]byte
	ttl       time.Duration
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.published[channel] = append(f.published[channel], message.([]byte))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.set[key] = value.([]byte)
	f.ttl = expiration
	return redis.NewStatusResult("OK", nil)
}

func TestRedisPublisher(t *testing.T) {
	fr := &fakeRedis{published: map[string][][]byte{}, set: map[string][]byte{}}
	p := newRedisPublisher(fr, "", "", time.Minute)
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, streaming.NewEvent(streaming.EventTypeSnapshot, "open", map[string]int{"n": 2})))
	require.NoError(t, p.Publish(ctx, streaming.NewEvent(streaming.EventTypeAction, "a1", nil)))

	assert.Len(t, fr.published[DefaultRedisChannel], 2)
	require.Contains(t, fr.set, "surebet:snapshot:open")
	assert.Len(t, fr.set, 1, "only snapshots are cached")
	assert.Equal(t, time.Minute, fr.ttl)

	var ev streaming.Event
	require.NoError(t, json.Unmarshal(fr.set["surebet:snapshot:open"], &ev))
	assert.Equal(t, streaming.EventTypeSnapshot, ev.Type)
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	fw := &fakeWriter{}
	p := &KafkaPublisher{writer: fw}

	ev := streaming.NewEvent(streaming.EventTypeAction, "3f1c", map[string]string{"state": "confirmed"})
	require.NoError(t, p.Publish(context.Background(), ev))
	require.NoError(t, p.Close())

	require.Len(t, fw.msgs, 1)
	assert.Equal(t, "3f1c", string(fw.msgs[0].Key))
	assert.Equal(t, "action", string(fw.msgs[0].Headers[0].Value))
	assert.True(t, fw.closed)
}

func TestNewKafkaWriterDefaults(t *testing.T) {
	w := NewKafkaWriter([]string{"localhost:9092"}, "")
	assert.Equal(t, DefaultKafkaTopic, w.Topic)
}
