package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	SessionID       string       `json:"session_id"`
	WorldParams     WorldParams  `json:"world_params"`
	BlockPalette    PaletteInfo  `json:"block_palette"`
	Defaults        FillDefaults `json:"defaults"`
}

type WorldParams struct {
	WorldID    string `json:"world_id"`
	TickRateHz int    `json:"tick_rate_hz"`
	ChunkSize  [3]int `json:"chunk_size"`
	MinY       int    `json:"min_y"`
	MaxY       int    `json:"max_y"`
	Seed       int64  `json:"seed"`
}

type PaletteInfo struct {
	Digest string `json:"digest"`
	Count  int    `json:"count"`
}

// FillDefaults are the options applied when FILL omits block or budget.
type FillDefaults struct {
	Block     string `json:"block"`
	Budget    int64  `json:"budget"`
	MaxBudget int64  `json:"max_budget"`
}

// Selection is an axis-aligned box, min inclusive and max exclusive.
type Selection struct {
	Min [3]int `json:"min"`
	Max [3]int `json:"max"`
}

// FILL (client -> server)
type FillMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	ID              string    `json:"id"`
	Selection       Selection `json:"selection"`
	Block           string    `json:"block,omitempty"`
	Budget          *int64    `json:"budget,omitempty"`
}

// CANCEL (client -> server)
type CancelMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id,omitempty"`
	RunID           string `json:"run_id"`
}

// PICK (client -> server)
type PickMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`
	Pos             [3]int `json:"pos"`
}

// FILL_ACCEPTED (server -> client)
type FillAcceptedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`
	RunID           string `json:"run_id"`
	QueuePos        int    `json:"queue_pos"`
	Block           string `json:"block"`
	Budget          int    `json:"budget"`
}

// PROGRESS (server -> client)
type ProgressMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	RunID           string  `json:"run_id"`
	Fraction        float64 `json:"fraction"`
	Visited         int     `json:"visited"`
	Filled          int     `json:"filled"`
}

// FILL_RESULT (server -> client)
type FillResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	RunID           string `json:"run_id"`
	Outcome         string `json:"outcome"`
	Visited         int    `json:"visited"`
	FrontierTotal   int    `json:"frontier_total"`
	Filled          int    `json:"filled"`
	ChunkMisses     int    `json:"chunk_misses"`
	Notice          string `json:"notice,omitempty"`
	Error           string `json:"error,omitempty"`
}

// PICK_RESULT (server -> client)
type PickResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`
	Pos             [3]int `json:"pos"`
	Block           string `json:"block"`
	Empty           bool   `json:"empty"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id,omitempty"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

// Notices shown to the user alongside a result.
const (
	NoticeBudgetExhausted  = "search limit reached; the visited region was filled; undo with rollback if unwanted"
	NoticeInvalidSelection = "selection is not a single block"
)
