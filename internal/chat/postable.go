package chat

// PostableKind discriminates the postable message union.
type PostableKind int

const (
	PostText     PostableKind = iota // plain string
	PostRaw                          // platform wire format, sent verbatim
	PostMarkdown                     // markdown source, adapter converts
	PostAST                          // formatted document tree
	PostCard                         // card element tree with fallback text
)

// Postable is the union of payloads thread.Post accepts. Exactly one of
// the content fields is meaningful, selected by Kind; Files may
// accompany any of them.
type Postable struct {
	Kind         PostableKind
	Text         string
	Markdown     string
	AST          Formatted
	Card         any    // platform-rendered by the adapter, opaque here
	FallbackText string // used when the platform cannot render Card
	Files        []Attachment
}

// TextPost builds a plain-text postable.
func TextPost(s string) Postable { return Postable{Kind: PostText, Text: s} }

// RawPost builds a postable sent verbatim in the platform wire format.
func RawPost(s string) Postable { return Postable{Kind: PostRaw, Text: s} }

// MarkdownPost builds a markdown postable.
func MarkdownPost(s string) Postable { return Postable{Kind: PostMarkdown, Markdown: s} }

// ASTPost builds a postable from a formatted document tree.
func ASTPost(f Formatted) Postable { return Postable{Kind: PostAST, AST: f} }

// CardPost builds a card postable with degradation text for platforms
// that cannot render the card.
func CardPost(card any, fallback string) Postable {
	return Postable{Kind: PostCard, Card: card, FallbackText: fallback}
}

// PlainText returns the best plain-text rendition of the postable for
// adapters and platforms without richer support.
func (p Postable) PlainText() string {
	switch p.Kind {
	case PostMarkdown:
		return p.Markdown
	case PostCard:
		return p.FallbackText
	default:
		return p.Text
	}
}
