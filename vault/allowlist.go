package vault

// AllowList is the add-only registry of stable-value tokens approved for fee
// payment and escrow.
type AllowList struct {
	tokens map[Asset]struct{}
}

func NewAllowList(tokens []Asset) *AllowList {
	l := &AllowList{tokens: make(map[Asset]struct{}, len(tokens))}
	for _, token := range tokens {
		l.Add(token)
	}
	return l
}

func (l *AllowList) Add(token Asset) {
	if token.IsBase() {
		return
	}
	l.tokens[token] = struct{}{}
}

func (l *AllowList) Contains(token Asset) bool {
	_, ok := l.tokens[token]
	return ok
}

func (l *AllowList) Len() int {
	return len(l.tokens)
}
