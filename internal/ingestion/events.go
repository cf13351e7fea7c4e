package ingestion

import (
	"strconv"
	"time"
)

// EventName is the wire name of a progress event.
type EventName string

const (
	EventStart           EventName = "start"
	EventPageStart       EventName = "page_start"
	EventPageChunksReady EventName = "page_chunks_ready"
	EventChunkProgress   EventName = "chunk_progress"
	EventChunkComplete   EventName = "chunk_complete"
	EventPageComplete    EventName = "page_complete"
	EventPageSkip        EventName = "page_skip"
	EventPageError       EventName = "page_error"
	EventComplete        EventName = "complete"
	EventCancelled       EventName = "cancelled"
	EventError           EventName = "error"
)

// Event is an immutable, timestamped progress record.
type Event struct {
	Name      EventName `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

func newEvent(name EventName, data any) Event {
	return Event{Name: name, Data: data, Timestamp: time.Now().UTC()}
}

// Terminal reports whether no further events follow this one.
func (e Event) Terminal() bool {
	return e.Name == EventComplete || e.Name == EventCancelled || e.Name == EventError
}

type StartData struct {
	JobID       string `json:"jobId"`
	RecordingID string `json:"recordingId"`
	VideoID     string `json:"videoId"`
}

type PageStartData struct {
	StreamID   string `json:"streamId"`
	PageNumber int    `json:"pageNumber"`
	ObjectKey  string `json:"objectKey"`
	TotalPages int    `json:"totalPages"`
}

type ChunkInfo struct {
	ChunkID    string `json:"chunkId"`
	ChunkIndex int    `json:"chunkIndex"`
	StartByte  int64  `json:"startByte"`
	EndByte    int64  `json:"endByte"`
	Size       int64  `json:"size"`
}

type PageChunksReadyData struct {
	StreamID    string      `json:"streamId"`
	TotalChunks int         `json:"totalChunks"`
	TotalSize   int64       `json:"totalSize"`
	Chunks      []ChunkInfo `json:"chunks"`
}

type ChunkProgressData struct {
	StreamID       string `json:"streamId"`
	ChunkID        string `json:"chunkId"`
	ChunkIndex     int    `json:"chunkIndex"`
	UploadedBytes  int64  `json:"uploadedBytes"`
	TotalChunkSize int64  `json:"totalChunkSize"`
	ChunkProgress  int    `json:"chunkProgress"`
}

type ChunkCompleteData struct {
	StreamID      string `json:"streamId"`
	ChunkID       string `json:"chunkId"`
	ChunkIndex    int    `json:"chunkIndex"`
	UploadedBytes int64  `json:"uploadedBytes"`
}

type PageCompleteData struct {
	StreamID  string `json:"streamId"`
	ObjectKey string `json:"objectKey"`
	Message   string `json:"message"`
}

// PageMessageData carries page_skip and page_error.
type PageMessageData struct {
	StreamID string `json:"streamId"`
	Message  string `json:"message"`
}

type CompleteData struct {
	RecordingID string   `json:"recordingId"`
	ObjectKeys  []string `json:"objectKeys"`
}

type ErrorData struct {
	Message string `json:"message"`
}

func streamIDString(id int64) string {
	return strconv.FormatInt(id, 10)
}

func chunkID(streamID int64, index int) string {
	return streamIDString(streamID) + "-" + strconv.Itoa(index)
}

func chunkInfos(page *PagePlan) []ChunkInfo {
	out := make([]ChunkInfo, 0, len(page.Chunks))
	for _, c := range page.Chunks {
		out = append(out, ChunkInfo{
			ChunkID:    chunkID(page.StreamID, c.Index),
			ChunkIndex: c.Index,
			StartByte:  c.Start,
			EndByte:    c.End,
			Size:       c.Size(),
		})
	}
	return out
}

func percent(done, total int64) int {
	if total <= 0 {
		return 0
	}
	p := int(done * 100 / total)
	return max(0, min(100, p))
}
