package wsclient

// extractID scans a JSON-RPC payload for a numeric "id" member without
// parsing the whole document. Correlation only needs the id, and the hot
// path must not allocate a decoder per message. String and null ids report
// not-found; those messages are notifications or responses this transport
// never correlates.
func extractID(payload []byte) (int64, bool) {
	const key = `"id"`

	for i := 0; i+len(key) < len(payload); i++ {
		if payload[i] != '"' || string(payload[i:i+len(key)]) != key {
			continue
		}
		j := i + len(key)
		for j < len(payload) && (payload[j] == ' ' || payload[j] == '\t') {
			j++
		}
		if j >= len(payload) || payload[j] != ':' {
			continue
		}
		j++
		for j < len(payload) && (payload[j] == ' ' || payload[j] == '\t') {
			j++
		}

		neg := false
		if j < len(payload) && payload[j] == '-' {
			neg = true
			j++
		}
		start := j
		var id int64
		for j < len(payload) && payload[j] >= '0' && payload[j] <= '9' {
			id = id*10 + int64(payload[j]-'0')
			j++
		}
		if j == start {
			// Not a numeric id; keep scanning in case "id" appeared
			// inside a string value.
			continue
		}
		if neg {
			id = -id
		}
		return id, true
	}
	return 0, false
}
