package backend

// Session is the authenticated context handed out by Login and consumed by
// the other Client calls. It is a value object: re-authentication produces a
// fresh Session rather than mutating an old one, and nothing is persisted
// beyond process lifetime. No expiry is tracked; an authorization failure on
// use is the signal to refresh.
type Session struct {
	Token string
}

// Headers returns the request headers carrying the bearer credential.
func (s *Session) Headers() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + s.Token,
		"Content-Type":  "application/json",
	}
}
