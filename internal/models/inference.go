package models

// BoundingBox is the position of a detected object in the frame
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DetectedObject is a single detection reported by the camera's analytics engine
type DetectedObject struct {
	ID         string      `json:"id"`
	Label      string      `json:"label"`
	Confidence float64     `json:"confidence"` // 0-1
	Position   BoundingBox `json:"position"`
}

// InferenceResult is one frame's worth of detections
type InferenceResult struct {
	Timestamp int64            `json:"timestamp"` // device clock, milliseconds
	Objects   []DetectedObject `json:"objects"`
}

// ReportedState is the reported twin section published at startup
type ReportedState struct {
	RTSPAddr string `json:"rtsp_addr"`
}
