package httpclient

// WebHeaders returns the browser header set the web interface expects,
// with the session cookie pinned per request. The values must stay in step
// with the Chrome version the TLS fingerprint impersonates.
func WebHeaders(sessionKey string) map[string]string {
	h := map[string]string{
		"Accept":             "application/json",
		"Accept-Language":    "en-US,en;q=0.9",
		"Content-Type":       "application/json",
		"Origin":             "https://claude.ai",
		"Referer":            "https://claude.ai/chats",
		"Sec-Ch-Ua":          `"Chromium";v="124", "Google Chrome";v="124", "Not-A.Brand";v="99"`,
		"Sec-Ch-Ua-Mobile":   "?0",
		"Sec-Ch-Ua-Platform": `"macOS"`,
		"Sec-Fetch-Dest":     "empty",
		"Sec-Fetch-Mode":     "cors",
		"Sec-Fetch-Site":     "same-origin",
	}
	if sessionKey != "" {
		h["Cookie"] = "sessionKey=" + sessionKey
	}
	return h
}

// StreamHeaders overlays the SSE accept header for completion calls.
func StreamHeaders(sessionKey string) map[string]string {
	h := WebHeaders(sessionKey)
	h["Accept"] = "text/event-stream"
	return h
}
