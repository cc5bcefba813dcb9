package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/twitterdm/pkg/database"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{}
	cfg.Homeserver.Domain = "example.com"
	cfg.Appservice.Bot.Username = "twitterbot"
	cfg.Bridge.UsernameTemplate = "twitter_{{.}}"
	cfg.Bridge.DisplaynameTemplate = "{{.Name}} (Twitter)"
	if err := cfg.Bridge.PostProcess(); err != nil {
		t.Fatalf("failed to process test config: %v", err)
	}
	return cfg
}

func newTestBridge(t *testing.T) (*Bridge, *memoryStore, *fakeMatrix) {
	t.Helper()
	cfg := testConfig(t)
	store := newMemoryStore()
	matrix := newFakeMatrix()
	users := &fakeUserProvider{byMXID: make(map[id.UserID]User), byRemote: make(map[int64]User)}
	br := New(cfg, zerolog.Nop(), store, matrix, users)
	return br, store, matrix
}

// memoryStore is an in-memory Store for tests.
type memoryStore struct {
	lock     sync.Mutex
	portals  map[portalKey]database.Portal
	messages map[portalKey]database.Message

	insertMessageErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		portals:  make(map[portalKey]database.Portal),
		messages: make(map[portalKey]database.Message),
	}
}

func msgKey(twid int64, receiver int64) portalKey {
	return portalKey{TWID: fmt.Sprint(twid), Receiver: receiver}
}

func (ms *memoryStore) GetPortalByRemote(_ context.Context, twid string, receiver int64) (*database.Portal, error) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	row, ok := ms.portals[portalKey{twid, receiver}]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (ms *memoryStore) GetPortalByMXID(_ context.Context, mxid id.RoomID) (*database.Portal, error) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	for _, row := range ms.portals {
		if row.MXID == mxid {
			rowCopy := row
			return &rowCopy, nil
		}
	}
	return nil, nil
}

func (ms *memoryStore) GetAllPortalsWithRoom(_ context.Context) ([]*database.Portal, error) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	var rows []*database.Portal
	for _, row := range ms.portals {
		if row.MXID != "" {
			rowCopy := row
			rows = append(rows, &rowCopy)
		}
	}
	return rows, nil
}

func (ms *memoryStore) UpsertPortal(_ context.Context, portal *database.Portal) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	ms.portals[portalKey{portal.TWID, portal.Receiver}] = *portal
	return nil
}

func (ms *memoryStore) GetMessageByRemoteID(_ context.Context, twid, receiver int64) (*database.Message, error) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	row, ok := ms.messages[msgKey(twid, receiver)]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (ms *memoryStore) InsertMessage(_ context.Context, msg *database.Message) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	if ms.insertMessageErr != nil {
		return ms.insertMessageErr
	}
	key := msgKey(msg.TWID, msg.Receiver)
	if _, ok := ms.messages[key]; ok {
		return fmt.Errorf("duplicate message %d/%d", msg.TWID, msg.Receiver)
	}
	ms.messages[key] = *msg
	return nil
}

func (ms *memoryStore) messageCount() int {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	return len(ms.messages)
}

// fakeMatrix simulates a homeserver: room state shared between all actors.
type fakeMatrix struct {
	lock  sync.Mutex
	rooms map[id.RoomID]*fakeRoom

	nextRoomID    int
	createCalls   int
	lastCreateReq *RoomCreateRequest
	kickErr       error
	uploadErr     error
	// createGate, when set, blocks CreateRoom until the channel is closed.
	// createEntered is closed when the first CreateRoom call is reached.
	createGate    chan struct{}
	createEntered chan struct{}

	customActors map[id.UserID]RoomActor

	joinCalls     []id.UserID
	kickCalls     []id.UserID
	inviteCalls   []id.UserID
	readMarkers   []id.EventID
	uploadedTypes []string
	roomAvatars   []id.RoomID
	ghostAvatars  []id.UserID
}

type fakeRoom struct {
	name    string
	members map[id.UserID]bool
	events  []sentEvent
}

type sentEvent struct {
	sender  id.UserID
	content *event.MessageEventContent
	ts      time.Time
}

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		rooms:        make(map[id.RoomID]*fakeRoom),
		customActors: make(map[id.UserID]RoomActor),
	}
}

func (fm *fakeMatrix) BotActor() RoomActor {
	return &fakeActor{matrix: fm, userID: "@twitterbot:example.com"}
}

func (fm *fakeMatrix) ActorFor(userID id.UserID) RoomActor {
	return &fakeActor{matrix: fm, userID: userID}
}

func (fm *fakeMatrix) CustomActorFor(userID id.UserID) RoomActor {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	return fm.customActors[userID]
}

func (fm *fakeMatrix) room(roomID id.RoomID) *fakeRoom {
	room, ok := fm.rooms[roomID]
	if !ok {
		room = &fakeRoom{members: make(map[id.UserID]bool)}
		fm.rooms[roomID] = room
	}
	return room
}

func (fm *fakeMatrix) roomEvents(roomID id.RoomID) []sentEvent {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	return append([]sentEvent(nil), fm.room(roomID).events...)
}

func (fm *fakeMatrix) resetCounters() {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	fm.joinCalls = nil
	fm.kickCalls = nil
	fm.inviteCalls = nil
}

func (fm *fakeMatrix) createCount() int {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	return fm.createCalls
}

func (fm *fakeMatrix) createRequest() *RoomCreateRequest {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	return fm.lastCreateReq
}

func (fm *fakeMatrix) uploads() []string {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	return append([]string(nil), fm.uploadedTypes...)
}

type fakeActor struct {
	matrix *fakeMatrix
	userID id.UserID
}

var _ RoomActor = (*fakeActor)(nil)

func (fa *fakeActor) UserID() id.UserID { return fa.userID }

func (fa *fakeActor) CreateRoom(_ context.Context, req *RoomCreateRequest) (id.RoomID, error) {
	fa.matrix.lock.Lock()
	gate := fa.matrix.createGate
	if fa.matrix.createEntered != nil {
		close(fa.matrix.createEntered)
		fa.matrix.createEntered = nil
	}
	fa.matrix.lock.Unlock()
	if gate != nil {
		<-gate
	}
	fa.matrix.lock.Lock()
	defer fa.matrix.lock.Unlock()
	fa.matrix.createCalls++
	fa.matrix.lastCreateReq = req
	fa.matrix.nextRoomID++
	roomID := id.RoomID(fmt.Sprintf("!room-%d:example.com", fa.matrix.nextRoomID))
	room := fa.matrix.room(roomID)
	room.name = req.Name
	room.members[fa.userID] = true
	return roomID, nil
}

func (fa *fakeActor) EnsureJoined(_ context.Context, roomID id.RoomID) error {
	fa.matrix.lock.Lock()
	defer fa.matrix.lock.Unlock()
	room := fa.matrix.room(roomID)
	if !room.members[fa.userID] {
		room.members[fa.userID] = true
		fa.matrix.joinCalls = append(fa.matrix.joinCalls, fa.userID)
	}
	return nil
}

func (fa *fakeActor) JoinRoom(_ context.Context, roomID id.RoomID) error {
	fa.matrix.lock.Lock()
	defer fa.matrix.lock.Unlock()
	fa.matrix.room(roomID).members[fa.userID] = true
	return nil
}

func (fa *fakeActor) InviteUser(_ context.Context, roomID id.RoomID, userID id.UserID) error {
	fa.matrix.lock.Lock()
	defer fa.matrix.lock.Unlock()
	_ = fa.matrix.room(roomID)
	fa.matrix.inviteCalls = append(fa.matrix.inviteCalls, userID)
	return nil
}

func (fa *fakeActor) KickUser(_ context.Context, roomID id.RoomID, userID id.UserID, _ string) error {
	fa.matrix.lock.Lock()
	defer fa.matrix.lock.Unlock()
	if fa.matrix.kickErr != nil {
		return fa.matrix.kickErr
	}
	delete(fa.matrix.room(roomID).members, userID)
	fa.matrix.kickCalls = append(fa.matrix.kickCalls, userID)
	return nil
}

func (fa *fakeActor) GetRoomMembers(_ context.Context, roomID id.RoomID) ([]id.UserID, error) {
	fa.matrix.lock.Lock()
	defer fa.matrix.lock.Unlock()
	room := fa.matrix.room(roomID)
	members := make([]id.UserID, 0, len(room.members))
	for member := range room.members {
		members = append(members, member)
	}
	return members, nil
}

func (fa *fakeActor) SetRoomName(_ context.Context, roomID id.RoomID, name string) error {
	fa.matrix.lock.Lock()
	defer fa.matrix.lock.Unlock()
	fa.matrix.room(roomID).name = name
	return nil
}

func (fa *fakeActor) SetRoomAvatar(_ context.Context, roomID id.RoomID, _ id.ContentURI) error {
	fa.matrix.lock.Lock()
	defer fa.matrix.lock.Unlock()
	fa.matrix.roomAvatars = append(fa.matrix.roomAvatars, roomID)
	return nil
}

func (fa *fakeActor) SendStateEvent(context.Context, id.RoomID, event.Type, string, any) error {
	return nil
}

func (fa *fakeActor) SendMessage(_ context.Context, roomID id.RoomID, content *event.MessageEventContent, ts time.Time) (id.EventID, error) {
	fa.matrix.lock.Lock()
	defer fa.matrix.lock.Unlock()
	room := fa.matrix.room(roomID)
	room.events = append(room.events, sentEvent{sender: fa.userID, content: content, ts: ts})
	return id.EventID(fmt.Sprintf("$event-%d", len(room.events))), nil
}

func (fa *fakeActor) UploadMedia(_ context.Context, _ []byte, mimeType string) (id.ContentURI, error) {
	fa.matrix.lock.Lock()
	defer fa.matrix.lock.Unlock()
	if fa.matrix.uploadErr != nil {
		return id.ContentURI{}, fa.matrix.uploadErr
	}
	fa.matrix.uploadedTypes = append(fa.matrix.uploadedTypes, mimeType)
	return id.ContentURI{Homeserver: "example.com", FileID: "fake"}, nil
}

func (fa *fakeActor) MarkRead(_ context.Context, _ id.RoomID, eventID id.EventID) error {
	fa.matrix.lock.Lock()
	defer fa.matrix.lock.Unlock()
	fa.matrix.readMarkers = append(fa.matrix.readMarkers, eventID)
	return nil
}

func (fa *fakeActor) SetDisplayName(context.Context, string) error { return nil }

func (fa *fakeActor) SetAvatarURL(context.Context, id.ContentURI) error {
	fa.matrix.lock.Lock()
	defer fa.matrix.lock.Unlock()
	fa.matrix.ghostAvatars = append(fa.matrix.ghostAvatars, fa.userID)
	return nil
}

// fakeSession records outbound sends and assigns sequential message ids.
type fakeSession struct {
	lock       sync.Mutex
	nextMsgID  int64
	sendErr    error
	sentTexts  []string
	requestIDs []string
}

func (fs *fakeSession) SendText(_ context.Context, _, text, requestID string) (int64, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if fs.sendErr != nil {
		return 0, fs.sendErr
	}
	fs.sentTexts = append(fs.sentTexts, text)
	fs.requestIDs = append(fs.requestIDs, requestID)
	fs.nextMsgID++
	return fs.nextMsgID, nil
}

type fakeUser struct {
	mxid      id.UserID
	remoteID  int64
	connected bool
	session   *fakeSession
}

func (fu *fakeUser) MXID() id.UserID        { return fu.mxid }
func (fu *fakeUser) RemoteID() int64        { return fu.remoteID }
func (fu *fakeUser) IsConnected() bool      { return fu.connected }
func (fu *fakeUser) Session() RemoteSession { return fu.session }

type fakeUserProvider struct {
	byMXID   map[id.UserID]User
	byRemote map[int64]User
}

func (fp *fakeUserProvider) GetByMXID(userID id.UserID) User { return fp.byMXID[userID] }
func (fp *fakeUserProvider) GetByRemoteID(twid int64) User   { return fp.byRemote[twid] }
