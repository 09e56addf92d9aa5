package recovery

// Level is the tracked degradation level of one endpoint. Success moves the
// level one step toward LevelFull; a primary failure moves it one step toward
// LevelOffline. Operators can force-set it.
type Level int

const (
	// LevelOffline: the primary is skipped entirely, fallback runs immediately.
	LevelOffline Level = iota
	// LevelMinimal: severely degraded, primary still attempted.
	LevelMinimal
	// LevelDegraded: partially degraded.
	LevelDegraded
	// LevelFull: healthy.
	LevelFull
)

// String returns the level name used in stats and metrics.
func (l Level) String() string {
	switch l {
	case LevelOffline:
		return "offline"
	case LevelMinimal:
		return "minimal"
	case LevelDegraded:
		return "degraded"
	case LevelFull:
		return "full"
	default:
		return "unknown"
	}
}

// ParseLevel maps a level name back to its Level; unknown names report false.
func ParseLevel(s string) (Level, bool) {
	switch s {
	case "offline":
		return LevelOffline, true
	case "minimal":
		return LevelMinimal, true
	case "degraded":
		return LevelDegraded, true
	case "full":
		return LevelFull, true
	default:
		return 0, false
	}
}

// stepUp moves one step toward full.
func stepUp(l Level) Level {
	if l < LevelFull {
		return l + 1
	}
	return LevelFull
}

// stepDown moves one step toward offline.
func stepDown(l Level) Level {
	if l > LevelOffline {
		return l - 1
	}
	return LevelOffline
}
