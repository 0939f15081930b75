package memory

// scopeKind discriminates the scope variants.
type scopeKind int

const (
	scopeGuild scopeKind = iota
	scopeDM
	scopeGlobal
)

// Scope identifies the partition a user's memories are grouped under: a
// guild, the DM channel, or the global partition shared across contexts.
//
// Scope is a tagged union rather than a raw string so that guild ids,
// the DM marker, and the global marker cannot be confused with each
// other. Stores only ever see the derived partition key.
type Scope struct {
	kind    scopeKind
	guildID string
}

// GuildScope returns the scope for memories tied to one guild.
func GuildScope(guildID string) Scope {
	return Scope{kind: scopeGuild, guildID: guildID}
}

// DMScope returns the scope for memories from direct messages.
func DMScope() Scope {
	return Scope{kind: scopeDM}
}

// GlobalScope returns the scope for memories shared across all contexts.
func GlobalScope() Scope {
	return Scope{kind: scopeGlobal}
}

// Key derives the opaque partition key stored in the scope column.
func (s Scope) Key() string {
	switch s.kind {
	case scopeDM:
		return "dm"
	case scopeGlobal:
		return "global"
	default:
		return s.guildID
	}
}
