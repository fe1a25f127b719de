package validation

// ValidateMemorySaveParams validates parameters for the memory.save RPC method.
func ValidateMemorySaveParams(text, userID string) error {
	return All(
		func() error { return MemoryText("text", text) },
		func() error { return UserID("user_id", userID) },
	)
}

// ValidateMemoryListParams validates parameters for the memory.list RPC method.
func ValidateMemoryListParams(userID string) error {
	return UserID("user_id", userID)
}

// ValidateMemorySearchParams validates parameters for the memory.search RPC
// method. The limit must already have its default applied.
func ValidateMemorySearchParams(query, userID string, limit int) error {
	return All(
		func() error { return Query("query", query) },
		func() error { return UserID("user_id", userID) },
		func() error { return SearchLimit("limit", limit) },
	)
}
