package metrics

import (
	"sync/atomic"
	"time"
)

// Collector tracks upload activity for the stats endpoint.
type Collector struct {
	chunksReceived   int64
	chunksDuplicate  int64
	bytesReceived    int64
	sessionsStarted  int64
	sessionsExpired  int64
	uploadsCompleted int64
	uploadsFailed    int64

	startTime time.Time
}

func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

func (c *Collector) ChunkReceived(size int64) {
	atomic.AddInt64(&c.chunksReceived, 1)
	atomic.AddInt64(&c.bytesReceived, size)
}

func (c *Collector) ChunkDuplicate()  { atomic.AddInt64(&c.chunksDuplicate, 1) }
func (c *Collector) SessionStarted()  { atomic.AddInt64(&c.sessionsStarted, 1) }
func (c *Collector) SessionExpired()  { atomic.AddInt64(&c.sessionsExpired, 1) }
func (c *Collector) UploadCompleted() { atomic.AddInt64(&c.uploadsCompleted, 1) }
func (c *Collector) UploadFailed()    { atomic.AddInt64(&c.uploadsFailed, 1) }

// Snapshot is the JSON shape served by /api/stats.
type Snapshot struct {
	ChunksReceived   int64 `json:"chunks_received"`
	ChunksDuplicate  int64 `json:"chunks_duplicate"`
	BytesReceived    int64 `json:"bytes_received"`
	SessionsStarted  int64 `json:"sessions_started"`
	SessionsExpired  int64 `json:"sessions_expired"`
	UploadsCompleted int64 `json:"uploads_completed"`
	UploadsFailed    int64 `json:"uploads_failed"`
	UptimeSeconds    int64 `json:"uptime_seconds"`
}

func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		ChunksReceived:   atomic.LoadInt64(&c.chunksReceived),
		ChunksDuplicate:  atomic.LoadInt64(&c.chunksDuplicate),
		BytesReceived:    atomic.LoadInt64(&c.bytesReceived),
		SessionsStarted:  atomic.LoadInt64(&c.sessionsStarted),
		SessionsExpired:  atomic.LoadInt64(&c.sessionsExpired),
		UploadsCompleted: atomic.LoadInt64(&c.uploadsCompleted),
		UploadsFailed:    atomic.LoadInt64(&c.uploadsFailed),
		UptimeSeconds:    int64(time.Since(c.startTime).Seconds()),
	}
}
