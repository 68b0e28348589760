package models

import "time"

// DMPrivacy controls who may open a direct-message conversation with a user.
type DMPrivacy string

const (
	DMPrivacyEveryone  DMPrivacy = "everyone"
	DMPrivacyFollowing DMPrivacy = "following"
	DMPrivacyNone      DMPrivacy = "none"
)

// User is the identity of a principal on this node: a local account with a
// password-wrapped private key, or a synthetic row mirroring a remote user
// pulled from another node in the swarm.
type User struct {
	ID                      string    `json:"id"`
	DID                     string    `json:"did"`
	Handle                  string    `json:"handle"`
	Email                   *string   `json:"email,omitempty"`
	DisplayName             string    `json:"displayName"`
	Bio                     string    `json:"bio"`
	AvatarURL               string    `json:"avatarUrl"`
	PublicKey               string    `json:"publicKey"`
	PrivateKeyEncrypted     string    `json:"-"`
	PasswordHash            string    `json:"-"`
	ChatPublicKey           *string   `json:"chatPublicKey,omitempty"`
	ChatPrivateKeyEncrypted *string   `json:"-"`
	DMPrivacy               DMPrivacy `json:"dmPrivacy"`
	IsSuspended             bool      `json:"isSuspended"`
	IsSilenced              bool      `json:"isSilenced"`
	IsBot                   bool      `json:"isBot"`
	IsRemote                bool      `json:"isRemote"`
	RemoteNodeDomain        *string   `json:"remoteNodeDomain,omitempty"`
	CreatedAt               time.Time `json:"createdAt"`
	UpdatedAt               time.Time `json:"updatedAt"`
}

// FullHandle returns the handle qualified with its owning node's domain
// (user@domain) for remote users, or the bare handle for local ones.
func (u User) FullHandle() string {
	if u.IsRemote && u.RemoteNodeDomain != nil {
		return u.Handle + "@" + *u.RemoteNodeDomain
	}
	return u.Handle
}

// CanReceiveDMFrom reports whether the user's privacy setting permits a DM
// from a sender, given whether the user follows that sender.
func (u User) CanReceiveDMFrom(senderIsFollowed bool) bool {
	if u.IsBot {
		return false
	}
	switch u.DMPrivacy {
	case DMPrivacyNone:
		return false
	case DMPrivacyFollowing:
		return senderIsFollowed
	default:
		return true
	}
}

// Session is an opaque bearer token bound to a user, created at login and
// destroyed at logout or expiry.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// IsExpired reports whether the session has passed its expiry time.
func (s Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// SignedAction is the wire envelope for every mutating request, whether it
// arrives over the local client API or nested inside a node-signed swarm
// envelope. It is not persisted as a row; only its dedupe fingerprint is.
type SignedAction struct {
	Action string         `json:"action"`
	Data   map[string]any `json:"data"`
	DID    string         `json:"did"`
	Handle string         `json:"handle"`
	Ts     int64          `json:"ts"`
	Nonce  string         `json:"nonce"`
	Sig    string         `json:"sig"`
}

// Post is a single post, reply, or repost. A Post with a non-empty
// RepostOfID and empty Content is a pure repost; one with a non-empty
// ReplyToID is a reply.
type Post struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Content      string    `json:"content"`
	ReplyToID    *string   `json:"replyToId,omitempty"`
	RepostOfID   *string   `json:"repostOfId,omitempty"`
	ApID         string    `json:"apId"`
	LikesCount   int       `json:"likesCount"`
	RepostsCount int       `json:"repostsCount"`
	RepliesCount int       `json:"repliesCount"`
	IsRemoved    bool      `json:"isRemoved"`
	CreatedAt    time.Time `json:"createdAt"`
}

// IsSwarmMirror reports whether the post's apId identifies it as a mirror of
// a post whose origin is another node, returning that node's domain.
func (p Post) IsSwarmMirror() (domain string, originID string, ok bool) {
	return ParseSwarmApID(p.ApID)
}

// ParseSwarmApID splits an apId of the form "swarm:<domain>:<originId>" into
// its components. It returns ok=false for local (non-prefixed) apIds.
func ParseSwarmApID(apID string) (domain string, originID string, ok bool) {
	const prefix = "swarm:"
	if len(apID) <= len(prefix) || apID[:len(prefix)] != prefix {
		return "", "", false
	}
	rest := apID[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ':' {
			return rest[:i], rest[i+1:], true
		}
	}
	return "", "", false
}

// Like records that userHandle (possibly user@domain for remote likers)
// liked a post.
type Like struct {
	ID         string    `json:"id"`
	PostID     string    `json:"postId"`
	UserHandle string    `json:"userHandle"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Follow records that FollowerHandle follows FolloweeHandle. Either side may
// carry a user@domain form when the relation crosses node boundaries.
type Follow struct {
	ID             string    `json:"id"`
	FollowerHandle string    `json:"followerHandle"`
	FolloweeHandle string    `json:"followeeHandle"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Mute records that MuterHandle has muted MutedHandle.
type Mute struct {
	ID          string    `json:"id"`
	MuterHandle string    `json:"muterHandle"`
	MutedHandle string    `json:"mutedHandle"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Block records that BlockerHandle has blocked BlockedHandle.
type Block struct {
	ID            string    `json:"id"`
	BlockerHandle string    `json:"blockerHandle"`
	BlockedHandle string    `json:"blockedHandle"`
	CreatedAt     time.Time `json:"createdAt"`
}

// RemoteFollow tracks a local user's follow of a remote handle, for the
// periodic background refresh sweep.
type RemoteFollow struct {
	ID              string     `json:"id"`
	LocalUserHandle string     `json:"localUserHandle"`
	RemoteHandle    string     `json:"remoteHandle"`
	LastSyncedAt    *time.Time `json:"lastSyncedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// NotificationKind enumerates the events that produce a Notification row.
type NotificationKind string

const (
	NotificationKindLike   NotificationKind = "like"
	NotificationKindRepost NotificationKind = "repost"
	NotificationKindReply  NotificationKind = "reply"
	NotificationKindFollow NotificationKind = "follow"
)

// Notification carries inline actor info (handle, display name, avatar) so
// rendering a notification from a remote actor never requires a local user
// row for that actor.
type Notification struct {
	ID               string           `json:"id"`
	RecipientUserID  string           `json:"recipientUserId"`
	Kind             NotificationKind `json:"kind"`
	ActorHandle      string           `json:"actorHandle"`
	ActorNodeDomain  *string          `json:"actorNodeDomain,omitempty"`
	ActorDisplayName string           `json:"actorDisplayName"`
	ActorAvatarURL   string           `json:"actorAvatarUrl"`
	PostID           *string          `json:"postId,omitempty"`
	ReadAt           *time.Time       `json:"readAt,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
}

// RemoteIdentityCacheEntry is a cached, pinned public key for a remote DID
// (Trust-On-First-Use). See internal/remoteidentity for the in-process
// TTL-cache wrapper and the key-change detection policy.
type RemoteIdentityCacheEntry struct {
	DID       string    `json:"did"`
	PublicKey string    `json:"publicKey"`
	FetchedAt time.Time `json:"fetchedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SwarmNode is a peer node known to this node, maintained by discovery and
// gossip. A node is never deleted, only marked dead after repeated failures.
type SwarmNode struct {
	Domain          string     `json:"domain"`
	PublicKey       *string    `json:"publicKey,omitempty"`
	SoftwareVersion *string    `json:"softwareVersion,omitempty"`
	Capabilities    []string   `json:"capabilities"`
	UserCount       int        `json:"userCount"`
	PostCount       int        `json:"postCount"`
	LastSeenAt      *time.Time `json:"lastSeenAt,omitempty"`
	FailureCount    int        `json:"failureCount"`
	Priority        int        `json:"priority"`
	IsDead          bool       `json:"isDead"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// IsAlive reports whether the node should still be contacted, per the
// consecutive-failure threshold maintained by the discovery/gossip engine.
func (n SwarmNode) IsAlive(deadThreshold int) bool {
	return !n.IsDead && n.FailureCount < deadThreshold
}

// HandleRegistryEntry maps a (handle, nodeDomain) pair to the DID that owns
// it, locally authoritative for this node's own users and eventually
// consistent for remote ones via gossip.
type HandleRegistryEntry struct {
	Handle     string    `json:"handle"`
	NodeDomain string    `json:"nodeDomain"`
	DID        string    `json:"did"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// MergeHandleRegistry returns whichever of a, b has the later UpdatedAt. The
// merge is commutative and associative, which is what lets gossip apply
// deltas from different peers in any order and converge.
func MergeHandleRegistry(a, b HandleRegistryEntry) HandleRegistryEntry {
	if b.UpdatedAt.After(a.UpdatedAt) {
		return b
	}
	return a
}

// ChatConversation is one side of a two-party direct-message thread. Each
// logical conversation exists as two rows, one per local participant; when a
// participant is remote, only the local side's row exists on this node.
type ChatConversation struct {
	ID                 string     `json:"id"`
	Participant1ID     string     `json:"participant1Id"`
	Participant2Handle string     `json:"participant2Handle"`
	LastMessageAt      *time.Time `json:"lastMessageAt,omitempty"`
	LastMessagePreview string     `json:"lastMessagePreview"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// ChatMessage is a single direct message. Exactly one of Content (plaintext,
// legacy server-aided mode) or EncryptedContent (client-side E2E mode) is
// set, never both.
type ChatMessage struct {
	ID                  string     `json:"id"`
	ConversationID      string     `json:"conversationId"`
	SenderHandle        string     `json:"senderHandle"`
	SenderDID           string     `json:"senderDid"`
	SenderNodeDomain    *string    `json:"senderNodeDomain,omitempty"`
	Content             *string    `json:"content,omitempty"`
	EncryptedContent    *string    `json:"encryptedContent,omitempty"`
	SenderChatPublicKey *string    `json:"senderChatPublicKey,omitempty"`
	DeliveredAt         *time.Time `json:"deliveredAt,omitempty"`
	ReadAt              *time.Time `json:"readAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
}

// InteractionState enumerates the lifecycle of an outbound interaction
// delivery attempt.
type InteractionState string

const (
	InteractionStateQueued    InteractionState = "queued"
	InteractionStateInFlight  InteractionState = "in_flight"
	InteractionStateDelivered InteractionState = "delivered"
	InteractionStateRetry     InteractionState = "retry"
	InteractionStateDropped   InteractionState = "dropped"
)

// InteractionDelivery is one outbound swarm interaction (like, unlike,
// repost, unrepost, reply) awaiting or undergoing delivery to a post's
// origin node.
type InteractionDelivery struct {
	ID            string           `json:"id"`
	InteractionID string           `json:"interactionId"`
	Verb          string           `json:"verb"`
	TargetDomain  string           `json:"targetDomain"`
	TargetPostID  string           `json:"targetPostId"`
	Payload       []byte           `json:"-"`
	State         InteractionState `json:"state"`
	Attempts      int              `json:"attempts"`
	NextAttemptAt time.Time        `json:"nextAttemptAt"`
	LastError     *string          `json:"lastError,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}
