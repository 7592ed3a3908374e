package domain

// ModelState - жизненный цикл предобученной модели: Unloaded → Loading → Ready | Failed.
// Failed терминален до конца жизни процесса.
type ModelState int32

const (
	ModelUnloaded ModelState = iota
	ModelLoading
	ModelReady
	ModelFailed
)

func (s ModelState) String() string {
	switch s {
	case ModelUnloaded:
		return "unloaded"
	case ModelLoading:
		return "loading"
	case ModelReady:
		return "ready"
	case ModelFailed:
		return "failed"
	default:
		return "unknown"
	}
}
