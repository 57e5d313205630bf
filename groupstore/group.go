package groupstore

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kbin"

	log "github.com/quillstream/groupmeta/logger"

	"github.com/quillstream/groupmeta/groupcodec"
)

// protocolTypeConsumer is the protocol type regular consumers register with. Only
// this protocol's subscription format can be parsed for topic protection.
const protocolTypeConsumer = "consumer"

type GroupState int

const (
	StateEmpty GroupState = iota
	StatePreparingRebalance
	StateCompletingRebalance
	StateStable
	StateDead
)

func (s GroupState) String() string {
	switch s {
	case StateEmpty:
		return "Empty"
	case StatePreparingRebalance:
		return "PreparingRebalance"
	case StateCompletingRebalance:
		return "CompletingRebalance"
	case StateStable:
		return "Stable"
	case StateDead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// validPreviousStates mirrors the group lifecycle - a transition is legal only if
// the current state appears in the target's set.
var validPreviousStates = map[GroupState][]GroupState{
	StateEmpty:               {StatePreparingRebalance},
	StatePreparingRebalance:  {StateEmpty, StateCompletingRebalance, StateStable},
	StateCompletingRebalance: {StatePreparingRebalance},
	StateStable:              {StateCompletingRebalance},
	StateDead:                {StateEmpty, StatePreparingRebalance, StateCompletingRebalance, StateStable, StateDead},
}

// TopicPartition identifies a single partition of a topic that offsets are
// committed against.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// OffsetAndMetadata is a single committed offset. LeaderEpoch is -1 when the
// committer did not supply one and ExpireTimestamp is -1 unless the commit carried
// an explicit expiry.
type OffsetAndMetadata struct {
	Offset          int64
	LeaderEpoch     int32
	Metadata        string
	CommitTimestamp int64
	ExpireTimestamp int64
}

// offsetCommitEntry pairs a committed offset with the coordinator log position of
// the record that produced it. The position orders conflicting transactional and
// non-transactional commits for the same key. It is -1 while the commit is still
// in flight.
type offsetCommitEntry struct {
	OffsetAndMetadata
	appendedOffset int64
}

type ProtocolInfo struct {
	Name     string
	Metadata []byte
}

type MemberSpec struct {
	MemberID         string
	GroupInstanceID  *string
	ProtocolType     string
	ClientID         string
	ClientHost       string
	RebalanceTimeout time.Duration
	SessionTimeout   time.Duration
	Protocols        []ProtocolInfo
}

type member struct {
	spec       MemberSpec
	assignment []byte
}

// protocol returns the metadata the member supplied for the named protocol, or nil
// if it does not support it.
func (m *member) protocol(name string) []byte {
	for _, p := range m.spec.Protocols {
		if p.Name == name {
			return p.Metadata
		}
	}
	return nil
}

// Group holds the coordinator side state of one consumer group. All mutation and
// inspection goes through its methods, which serialize on the group's own lock.
// The lock is never held across a log append.
type Group struct {
	gs          *Store
	id          string
	partitionID int

	lock                  sync.Mutex
	state                 GroupState
	generationID          int32
	protocolType          string
	protocolName          *string
	leader                *string
	members               map[string]*member
	staticMembers         map[string]string
	offsets               map[TopicPartition]offsetCommitEntry
	pendingOffsetCommits  map[TopicPartition]OffsetAndMetadata
	pendingTxnCommits     map[int64]map[TopicPartition]offsetCommitEntry
	currentStateTimestamp int64
	hasPersistedMetadata  bool
}

func newGroup(gs *Store, id string, partitionID int) *Group {
	return &Group{
		gs:                    gs,
		id:                    id,
		partitionID:           partitionID,
		state:                 StateEmpty,
		members:               map[string]*member{},
		staticMembers:         map[string]string{},
		offsets:               map[TopicPartition]offsetCommitEntry{},
		pendingOffsetCommits:  map[TopicPartition]OffsetAndMetadata{},
		pendingTxnCommits:     map[int64]map[TopicPartition]offsetCommitEntry{},
		currentStateTimestamp: groupcodec.NilSentinel,
	}
}

func (g *Group) ID() string {
	return g.id
}

func (g *Group) PartitionID() int {
	return g.partitionID
}

func (g *Group) State() GroupState {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.state
}

func (g *Group) Generation() int32 {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.generationID
}

func (g *Group) ProtocolType() string {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.protocolType
}

func (g *Group) Leader() string {
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.leader == nil {
		return ""
	}
	return *g.leader
}

func (g *Group) HasMember(memberID string) bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	_, ok := g.members[memberID]
	return ok
}

func (g *Group) NumMembers() int {
	g.lock.Lock()
	defer g.lock.Unlock()
	return len(g.members)
}

// MemberIDForInstance returns the member id a static group instance id is bound
// to, if any.
func (g *Group) MemberIDForInstance(groupInstanceID string) (string, bool) {
	g.lock.Lock()
	defer g.lock.Unlock()
	memberID, ok := g.staticMembers[groupInstanceID]
	return memberID, ok
}

func (g *Group) transitionToLocked(target GroupState) bool {
	for _, prev := range validPreviousStates[target] {
		if g.state == prev {
			g.state = target
			g.currentStateTimestamp = g.gs.nowMillis()
			return true
		}
	}
	log.Warnf("group %s: illegal state transition %s -> %s", g.id, g.state, target)
	return false
}

// AddMember registers a new member and moves the group into PreparingRebalance.
// Static members also register their instance id so a restarted instance can be
// matched back to its slot.
func (g *Group) AddMember(spec MemberSpec) bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.state == StateDead {
		return false
	}
	if len(g.members) == 0 {
		g.protocolType = spec.ProtocolType
	}
	g.members[spec.MemberID] = &member{spec: spec}
	if spec.GroupInstanceID != nil {
		g.staticMembers[*spec.GroupInstanceID] = spec.MemberID
	}
	if g.leader == nil {
		leader := spec.MemberID
		g.leader = &leader
	}
	if g.state != StatePreparingRebalance {
		g.transitionToLocked(StatePreparingRebalance)
	}
	return true
}

// RemoveMember drops a member. The group moves to Empty when the last member
// leaves, else back into PreparingRebalance.
func (g *Group) RemoveMember(memberID string) bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	m, ok := g.members[memberID]
	if !ok {
		return false
	}
	delete(g.members, memberID)
	if m.spec.GroupInstanceID != nil {
		delete(g.staticMembers, *m.spec.GroupInstanceID)
	}
	if g.leader != nil && *g.leader == memberID {
		g.leader = nil
		for id := range g.members {
			g.leader = &id
			break
		}
	}
	if len(g.members) == 0 {
		if g.state != StateEmpty {
			if g.state != StatePreparingRebalance {
				g.transitionToLocked(StatePreparingRebalance)
			}
			g.transitionToLocked(StateEmpty)
		}
	} else if g.state != StatePreparingRebalance {
		g.transitionToLocked(StatePreparingRebalance)
	}
	return true
}

// InitNextGeneration bumps the generation at the end of a join phase. With members
// present the group moves to CompletingRebalance under the chosen protocol, with
// none it settles back to Empty.
func (g *Group) InitNextGeneration(protocolName string) {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.generationID++
	if len(g.members) > 0 {
		g.protocolName = &protocolName
		g.transitionToLocked(StateCompletingRebalance)
	} else {
		g.protocolName = nil
		if g.state != StateEmpty {
			g.transitionToLocked(StateEmpty)
		}
	}
}

// SetAssignments installs the leader's assignment for each member and stabilizes
// the group.
func (g *Group) SetAssignments(assignments map[string][]byte) {
	g.lock.Lock()
	defer g.lock.Unlock()
	for memberID, assignment := range assignments {
		if m, ok := g.members[memberID]; ok {
			m.assignment = assignment
		}
	}
	if g.state == StateCompletingRebalance {
		g.transitionToLocked(StateStable)
	}
}

func (g *Group) isDeadLocked() bool {
	return g.state == StateDead
}

func (g *Group) IsDead() bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.isDeadLocked()
}

func (g *Group) hasOffsetsLocked() bool {
	if len(g.offsets) > 0 || len(g.pendingOffsetCommits) > 0 {
		return true
	}
	for _, staged := range g.pendingTxnCommits {
		if len(staged) > 0 {
			return true
		}
	}
	return false
}

// HasOffsets reports whether the group has any committed or in-flight offsets.
func (g *Group) HasOffsets() bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.hasOffsetsLocked()
}

// Offset returns the materialized committed offset for a topic partition. Staged
// transactional and unacknowledged commits are not visible.
func (g *Group) Offset(tp TopicPartition) (OffsetAndMetadata, bool) {
	g.lock.Lock()
	defer g.lock.Unlock()
	entry, ok := g.offsets[tp]
	return entry.OffsetAndMetadata, ok
}

// AllOffsets returns a copy of all materialized committed offsets.
func (g *Group) AllOffsets() map[TopicPartition]OffsetAndMetadata {
	g.lock.Lock()
	defer g.lock.Unlock()
	out := make(map[TopicPartition]OffsetAndMetadata, len(g.offsets))
	for tp, entry := range g.offsets {
		out[tp] = entry.OffsetAndMetadata
	}
	return out
}

// HasPendingOffsetCommitsFromProducer reports whether any staged transactional
// offsets exist for the producer.
func (g *Group) HasPendingOffsetCommitsFromProducer(producerID int64) bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	staged, ok := g.pendingTxnCommits[producerID]
	return ok && len(staged) > 0
}

func (g *Group) prepareOffsetCommitsLocked(offsets map[TopicPartition]OffsetAndMetadata) {
	for tp, om := range offsets {
		g.pendingOffsetCommits[tp] = om
	}
}

func (g *Group) prepareTxnOffsetCommitsLocked(producerID int64, offsets map[TopicPartition]OffsetAndMetadata) {
	staged, ok := g.pendingTxnCommits[producerID]
	if !ok {
		staged = map[TopicPartition]offsetCommitEntry{}
		g.pendingTxnCommits[producerID] = staged
	}
	for tp, om := range offsets {
		staged[tp] = offsetCommitEntry{OffsetAndMetadata: om, appendedOffset: -1}
	}
}

// onOffsetCommitAppendLocked materializes an acknowledged non-transactional
// commit, unless a newer commit for the key has superseded it while the append was
// in flight.
func (g *Group) onOffsetCommitAppendLocked(tp TopicPartition, om OffsetAndMetadata, appendedOffset int64) {
	pending, ok := g.pendingOffsetCommits[tp]
	if !ok || pending != om {
		return
	}
	delete(g.pendingOffsetCommits, tp)
	g.offsets[tp] = offsetCommitEntry{OffsetAndMetadata: om, appendedOffset: appendedOffset}
}

func (g *Group) onTxnOffsetCommitAppendLocked(producerID int64, tp TopicPartition, om OffsetAndMetadata, appendedOffset int64) {
	staged, ok := g.pendingTxnCommits[producerID]
	if !ok {
		return
	}
	entry, ok := staged[tp]
	if !ok || entry.OffsetAndMetadata != om {
		return
	}
	entry.appendedOffset = appendedOffset
	staged[tp] = entry
}

func (g *Group) failPendingOffsetCommitsLocked(offsets map[TopicPartition]OffsetAndMetadata) {
	for tp, om := range offsets {
		if pending, ok := g.pendingOffsetCommits[tp]; ok && pending == om {
			delete(g.pendingOffsetCommits, tp)
		}
	}
}

func (g *Group) failPendingTxnOffsetCommitsLocked(producerID int64, offsets map[TopicPartition]OffsetAndMetadata) {
	staged, ok := g.pendingTxnCommits[producerID]
	if !ok {
		return
	}
	for tp, om := range offsets {
		if entry, ok := staged[tp]; ok && entry.OffsetAndMetadata == om {
			delete(staged, tp)
		}
	}
	if len(staged) == 0 {
		delete(g.pendingTxnCommits, producerID)
	}
}

// completeTxnLocked resolves all staged offsets for a producer. On commit each
// staged entry overwrites the materialized offset only if it sits at a later log
// position. On abort everything staged is simply dropped.
func (g *Group) completeTxnLocked(producerID int64, isCommit bool) {
	staged, ok := g.pendingTxnCommits[producerID]
	if !ok {
		return
	}
	delete(g.pendingTxnCommits, producerID)
	if !isCommit {
		return
	}
	for tp, entry := range staged {
		current, ok := g.offsets[tp]
		if !ok || entry.appendedOffset > current.appendedOffset {
			g.offsets[tp] = entry
		} else {
			log.Debugf("group %s: ignoring committed txn offset for %s-%d at log position %d, materialized position %d is newer",
				g.id, tp.Topic, tp.Partition, entry.appendedOffset, current.appendedOffset)
		}
	}
}

// subscribedTopicsLocked parses the consumer protocol subscriptions of live
// members into the set of topics the group is actively consuming. A nil return
// means the subscriptions could not be determined.
func (g *Group) subscribedTopicsLocked() map[string]struct{} {
	if g.protocolType != protocolTypeConsumer || g.protocolName == nil {
		return nil
	}
	topics := map[string]struct{}{}
	for _, m := range g.members {
		metadata := m.protocol(*g.protocolName)
		if metadata == nil {
			return nil
		}
		memberTopics, err := parseSubscriptionTopics(metadata)
		if err != nil {
			log.Debugf("group %s: cannot parse subscription for member %s: %v", g.id, m.spec.MemberID, err)
			return nil
		}
		for _, topic := range memberTopics {
			topics[topic] = struct{}{}
		}
	}
	return topics
}

// parseSubscriptionTopics decodes the topic list from consumer protocol
// subscription metadata: a version int16 followed by an array of topic names.
func parseSubscriptionTopics(metadata []byte) ([]string, error) {
	r := kbin.Reader{Src: metadata}
	r.Int16()
	numTopics := r.ArrayLen()
	if numTopics < 0 {
		return nil, errMalformedSubscription
	}
	topics := make([]string, 0, numTopics)
	for i := int32(0); i < numTopics; i++ {
		topics = append(topics, r.String())
	}
	if !r.Ok() {
		return nil, errMalformedSubscription
	}
	return topics, nil
}

var errMalformedSubscription = errors.New("malformed subscription metadata")

// groupMetadataValueLocked renders the group's current state as a log record
// value. Assignments override the members' stored assignments when supplied.
func (g *Group) groupMetadataValueLocked(assignments map[string][]byte) groupcodec.GroupMetadataValue {
	value := groupcodec.GroupMetadataValue{
		ProtocolType:          g.protocolType,
		Generation:            g.generationID,
		Protocol:              g.protocolName,
		Leader:                g.leader,
		CurrentStateTimestamp: g.currentStateTimestamp,
	}
	protocolName := ""
	if g.protocolName != nil {
		protocolName = *g.protocolName
	}
	for memberID, m := range g.members {
		assignment := m.assignment
		if a, ok := assignments[memberID]; ok {
			assignment = a
		}
		value.Members = append(value.Members, groupcodec.MemberMetadata{
			MemberID:         memberID,
			GroupInstanceID:  m.spec.GroupInstanceID,
			ClientID:         m.spec.ClientID,
			ClientHost:       m.spec.ClientHost,
			RebalanceTimeout: int32(m.spec.RebalanceTimeout / time.Millisecond),
			SessionTimeout:   int32(m.spec.SessionTimeout / time.Millisecond),
			Subscription:     m.protocol(protocolName),
			Assignment:       assignment,
		})
	}
	return value
}
