package call

import (
	"crypto/rand"
	"math"
	"sort"
	"time"

	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"

	"go.dedis.ch/e2ecall"
	"go.dedis.ch/e2ecall/chain"
	"go.dedis.ch/e2ecall/keys"
	"go.dedis.ch/e2ecall/wire"
)

const (
	// maxActiveEpochs bounds how many epoch keys a packet may address.
	maxActiveEpochs = 15
	// forgetEpochDelay keeps a superseded epoch key around long enough to
	// decrypt packets already in flight.
	forgetEpochDelay = 10 * time.Second
	// maxChannelID is the highest valid media channel.
	maxChannelID = 1023
	// seenWindowSize is how many sequence numbers are tracked per sender
	// and channel for replay rejection.
	seenWindowSize = 1024
)

type epochInfo struct {
	epoch      int32
	hash       [32]byte
	secret     []byte
	groupState *chain.GroupState
}

type seenKey struct {
	pub     keys.PublicKey
	channel int32
}

type scheduledForget struct {
	at    time.Time
	epoch int32
}

// Encryption encrypts outgoing media packets under every active epoch key
// and decrypts incoming ones, enforcing per-sender replay protection. Epoch
// keys come and go with the blocks of the log; a superseded key stays usable
// for a grace period so packets encrypted just before the switch still
// decrypt.
type Encryption struct {
	userID int64
	priv   *keys.PrivateKey

	epochs      map[int32]*epochInfo
	epochByHash map[[32]byte]int32
	forgets     []scheduledForget

	seqno map[int32]uint32
	seen  map[seenKey][]uint32

	now func() time.Time
}

// NewEncryption returns an Encryption with no active epochs.
func NewEncryption(userID int64, priv *keys.PrivateKey) *Encryption {
	return &Encryption{
		userID:      userID,
		priv:        priv,
		epochs:      make(map[int32]*epochInfo),
		epochByHash: make(map[[32]byte]int32),
		seqno:       make(map[int32]uint32),
		seen:        make(map[seenKey][]uint32),
		now:         time.Now,
	}
}

// AddSharedKey activates the epoch key established by the block with the
// given height and hash.
func (e *Encryption) AddSharedKey(epoch int32, epochHash [32]byte, secret []byte, gs *chain.GroupState) error {
	e.sync()

	self, ok := gs.GetParticipantByPublicKey(e.priv.Public())
	if !ok {
		return e2ecall.NewError(e2ecall.ErrCallNotParticipant, "not a participant")
	}
	if self.UserID != e.userID {
		return e2ecall.NewError(e2ecall.ErrCallWrongUserID, "wrong user identifier in state")
	}

	log.Lvl2("adding key for epoch", epoch)
	e.epochByHash[epochHash] = epoch
	if _, ok := e.epochs[epoch]; ok {
		return xerrors.Errorf("epoch %d already active", epoch)
	}
	e.epochs[epoch] = &epochInfo{epoch: epoch, hash: epochHash, secret: secret, groupState: gs}
	return nil
}

// ForgetSharedKey schedules the epoch key for removal after the grace
// period.
func (e *Encryption) ForgetSharedKey(epoch int32, epochHash [32]byte) {
	e.sync()
	e.forgets = append(e.forgets, scheduledForget{at: e.now().Add(forgetEpochDelay), epoch: epoch})
}

// sync drops epochs whose grace period expired, and keeps dropping early
// while more than maxActiveEpochs are alive.
func (e *Encryption) sync() {
	now := e.now()
	for len(e.forgets) > 0 &&
		(!e.forgets[0].at.After(now) || len(e.epochs) > maxActiveEpochs) {
		epoch := e.forgets[0].epoch
		e.forgets = e.forgets[1:]
		if info, ok := e.epochs[epoch]; ok {
			log.Lvl2("forgetting key of epoch", epoch)
			delete(e.epochByHash, info.hash)
			delete(e.epochs, epoch)
		}
	}
}

func validateChannelID(channelID int32) error {
	if channelID < 0 || channelID > maxChannelID {
		return e2ecall.NewErrorf(e2ecall.ErrInvalidCallChannelID, "invalid channel %d", channelID)
	}
	return nil
}

func (e *Encryption) sortedEpochs() []*epochInfo {
	out := make([]*epochInfo, 0, len(e.epochs))
	for _, info := range e.epochs {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].epoch < out[j].epoch })
	return out
}

// Encrypt seals a media packet for the given channel. The first
// unencryptedPrefixLen bytes of data stay readable by the relay but are
// authenticated. The packet can be opened under any currently active epoch.
func (e *Encryption) Encrypt(channelID int32, data []byte, unencryptedPrefixLen int) ([]byte, error) {
	e.sync()

	if unencryptedPrefixLen > len(data) || unencryptedPrefixLen >= 1<<16 {
		return nil, xerrors.New("unencrypted prefix is too large")
	}
	prefix := data[:unencryptedPrefixLen]
	plain := data[unencryptedPrefixLen:]

	epochs := e.sortedEpochs()
	if len(epochs) == 0 {
		return nil, e2ecall.NewError(e2ecall.ErrEncryptUnknownEpoch, "no active epoch")
	}

	headerA := wire.NewWriter()
	headerA.WriteUint32(uint32(len(epochs)))
	for _, info := range epochs {
		headerA.WriteHash(info.hash)
	}

	var oneTimeSecret [32]byte
	if _, err := rand.Read(oneTimeSecret[:]); err != nil {
		return nil, xerrors.Errorf("generating packet secret: %v", err)
	}

	unencryptedPart := append(append([]byte(nil), headerA.Bytes()...), prefix...)
	encryptedPacket, err := e.encryptPacketWithSecret(channelID, unencryptedPart, plain, oneTimeSecret)
	if err != nil {
		return nil, err
	}

	var salt [32]byte
	copy(salt[:], encryptedPacket)
	headerB := make([]byte, 0, len(epochs)*keys.HeaderSize)
	for _, info := range epochs {
		header, err := keys.EncryptHeader(info.secret, oneTimeSecret, salt)
		if err != nil {
			return nil, err
		}
		headerB = append(headerB, header[:]...)
	}

	out := wire.NewWriter()
	out.WriteRaw(prefix)
	out.WriteRaw(headerA.Bytes())
	out.WriteRaw(headerB)
	out.WriteRaw(encryptedPacket)
	out.WriteUint32(uint32(unencryptedPrefixLen))
	return out.Bytes(), nil
}

func (e *Encryption) encryptPacketWithSecret(channelID int32, unencryptedPart, plain []byte, oneTimeSecret [32]byte) ([]byte, error) {
	if err := validateChannelID(channelID); err != nil {
		return nil, err
	}
	if e.seqno[channelID] == math.MaxUint32 {
		return nil, xerrors.New("seqno overflow")
	}
	e.seqno[channelID]++

	payload := wire.NewWriter()
	payload.WriteInt32(channelID)
	payload.WriteUint32(e.seqno[channelID])
	payload.WriteRaw(plain)

	aad := packetAAD(wire.MagicCallPacket, unencryptedPart)
	encrypted, err := keys.EncryptData(oneTimeSecret[:], payload.Bytes(), aad)
	if err != nil {
		return nil, err
	}

	sig, err := e.priv.Sign(packetAAD(wire.MagicCallPacketMsgID, encrypted[:keys.MsgIDSize]))
	if err != nil {
		return nil, err
	}
	return append(encrypted, sig[:]...), nil
}

// Decrypt opens a packet sent by the given user on the given channel. Own
// packets echoed back are rejected.
func (e *Encryption) Decrypt(userID int64, channelID int32, packet []byte) ([]byte, error) {
	e.sync()

	if len(packet) < 4 {
		return nil, xerrors.New("packet too small")
	}
	trailer := wire.NewParser(packet[len(packet)-4:])
	prefixLen := int(trailer.Uint32())
	body := packet[:len(packet)-4]
	if prefixLen > len(body) || prefixLen >= 1<<16 {
		return nil, xerrors.New("unencrypted prefix is too large")
	}
	prefix := body[:prefixLen]
	encryptedData := body[prefixLen:]

	if userID == e.userID {
		return nil, xerrors.New("packet is encrypted by us")
	}

	p := wire.NewParser(encryptedData)
	head := p.Uint32()
	epochsN := int(head & 0xff)
	version := (head >> 8) & 0xff
	reserved := head >> 16
	if p.Err() != nil {
		return nil, p.Err()
	}
	if version != 0 {
		return nil, xerrors.New("unsupported protocol version")
	}
	if reserved != 0 {
		return nil, xerrors.New("reserved head bits are not zero")
	}
	if epochsN > maxActiveEpochs {
		return nil, xerrors.New("too many active epochs")
	}

	epochHashes := make([][32]byte, epochsN)
	for i := range epochHashes {
		epochHashes[i] = p.Hash()
	}
	if p.Err() != nil {
		return nil, p.Err()
	}
	unencryptedHeader := encryptedData[:len(encryptedData)-p.Left()]

	encryptedHeaders := make([][32]byte, epochsN)
	for i := range encryptedHeaders {
		copy(encryptedHeaders[i][:], p.Raw(32))
	}
	encryptedPacket := p.Rest()
	if p.Err() != nil {
		return nil, p.Err()
	}
	if len(encryptedPacket) < keys.MsgIDSize {
		return nil, xerrors.New("not enough encryption data")
	}
	var salt [32]byte
	copy(salt[:], encryptedPacket)

	for i := 0; i < epochsN; i++ {
		epoch, ok := e.epochByHash[epochHashes[i]]
		if !ok {
			continue
		}
		info, ok := e.epochs[epoch]
		if !ok {
			continue
		}
		oneTimeSecret, err := keys.DecryptHeader(info.secret, encryptedHeaders[i], salt)
		if err != nil {
			return nil, err
		}
		return e.decryptPacketWithSecret(userID, channelID, unencryptedHeader, prefix,
			encryptedPacket, oneTimeSecret, info.groupState)
	}
	return nil, e2ecall.NewError(e2ecall.ErrDecryptUnknownEpoch, "no known epoch in packet")
}

func (e *Encryption) decryptPacketWithSecret(userID int64, expectedChannelID int32,
	unencryptedHeader, prefix, encryptedPacket []byte, oneTimeSecret [32]byte,
	gs *chain.GroupState) ([]byte, error) {

	participant, ok := gs.GetParticipant(userID)
	if !ok {
		return nil, e2ecall.NewErrorf(e2ecall.ErrCallNotParticipant, "unknown user %d", userID)
	}
	if len(encryptedPacket) < 64 {
		return nil, xerrors.New("not enough encryption data")
	}
	sig, err := keys.SignatureFromBytes(encryptedPacket[len(encryptedPacket)-64:])
	if err != nil {
		return nil, err
	}
	sealed := encryptedPacket[:len(encryptedPacket)-64]

	aad := packetAAD(wire.MagicCallPacket, unencryptedHeader, prefix)
	payload, err := keys.DecryptData(oneTimeSecret[:], sealed, aad)
	if err != nil {
		return nil, err
	}

	if err := participant.PublicKey.Verify(packetAAD(wire.MagicCallPacketMsgID, sealed[:keys.MsgIDSize]), sig); err != nil {
		return nil, err
	}

	p := wire.NewParser(payload)
	channelID := p.Int32()
	if err := validateChannelID(channelID); err != nil {
		return nil, err
	}
	seqno := p.Uint32()
	data := p.Rest()
	if p.Err() != nil {
		return nil, p.Err()
	}
	if channelID != expectedChannelID {
		return nil, e2ecall.NewErrorf(e2ecall.ErrInvalidCallChannelID,
			"packet is for channel %d, not %d", channelID, expectedChannelID)
	}

	if err := e.checkNotSeen(participant.PublicKey, channelID, seqno); err != nil {
		return nil, err
	}
	e.markAsSeen(participant.PublicKey, channelID, seqno)

	return append(append([]byte(nil), prefix...), data...), nil
}

// packetAAD binds a magic plus context bytes into associated data.
func packetAAD(magic int32, parts ...[]byte) []byte {
	w := wire.NewWriter()
	w.WriteInt32(magic)
	for _, part := range parts {
		w.WriteRaw(part)
	}
	return w.Bytes()
}

// checkNotSeen rejects sequence numbers below the tracked window and exact
// duplicates inside it.
func (e *Encryption) checkNotSeen(pub keys.PublicKey, channelID int32, seqno uint32) error {
	window := e.seen[seenKey{pub, channelID}]
	if len(window) == 0 {
		return nil
	}
	if seqno < window[0] {
		return xerrors.New("message is too old")
	}
	i := sort.Search(len(window), func(i int) bool { return window[i] >= seqno })
	if i < len(window) && window[i] == seqno {
		return xerrors.New("message is already processed")
	}
	return nil
}

// markAsSeen records the sequence number, keeping the window sorted and
// bounded in both size and distance from the newest entry.
func (e *Encryption) markAsSeen(pub keys.PublicKey, channelID int32, seqno uint32) {
	key := seenKey{pub, channelID}
	window := e.seen[key]
	i := sort.Search(len(window), func(i int) bool { return window[i] >= seqno })
	window = append(window, 0)
	copy(window[i+1:], window[i:])
	window[i] = seqno
	for len(window) > seenWindowSize || (len(window) > 0 && window[0]+seenWindowSize < seqno) {
		window = window[1:]
	}
	e.seen[key] = window
}
