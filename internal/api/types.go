package api

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email string `json:"email"`
}

// LoginResponse carries the encoded bearer credential after a login.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
}

// ErrorResponse is the server's error body shape.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// SessionResponse is the body of a successful POST /sessions.
type SessionResponse struct {
	SessionID string `json:"session_id"`
}

// MessageRequest is the body of POST /sessions/{id}/messages.
type MessageRequest struct {
	Text string `json:"text"`
}

// BatchStatus flags that the assistant is waiting for the user to confirm
// a batch of user-management requests.
type BatchStatus struct {
	AwaitingBatchConfirmation bool `json:"awaiting_batch_confirmation"`
}

// MessageResponse is the assistant's reply to one exchanged message.
type MessageResponse struct {
	AIResponse                         string       `json:"ai_response,omitempty"`
	BatchStatus                        *BatchStatus `json:"batch_status,omitempty"`
	ConsolidatedSummaryForConfirmation string       `json:"consolidated_summary_for_confirmation,omitempty"`
}
