package discovery

import (
	"bytes"
	"slices"
	"sort"
	"sync"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/packets"

	gwauth "github.com/Thomazoide/av-monitor/pkg/auth"
	"github.com/Thomazoide/av-monitor/pkg/config"
	"github.com/Thomazoide/av-monitor/pkg/models"
)

// SightingHookOptions contains configuration settings for the hook.
type SightingHookOptions struct {
	// Topics are the filters gateways publish sightings on.
	Topics []string
	// AllowedUsers restricts which usernames may connect. Empty allows all.
	AllowedUsers []string
	// Credentials, when set, require a matching password per username.
	Credentials []config.GatewayCredential
	Now         func() time.Time
}

var _ models.GatewayDirectory = (*SightingHook)(nil)

// SightingHook turns gateway publishes on the embedded broker into
// sightings and keeps track of the connected gateways.
type SightingHook struct {
	mqtt.HookBase
	config      *SightingHookOptions
	filters     []auth.RString
	credentials map[string]config.GatewayCredential

	gateways    map[string]*models.GatewayDetails
	gatewayLock sync.RWMutex

	handlerLock sync.RWMutex
	handler     func(models.Sighting, error)
}

func (h *SightingHook) ID() string {
	return "sighting-hook"
}

func (h *SightingHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
		mqtt.OnConnect,
		mqtt.OnDisconnect,
		mqtt.OnPublish,
	}, []byte{b})
}

func (h *SightingHook) Init(cfg any) error {
	h.Log.Info("initialised")
	opts, ok := cfg.(*SightingHookOptions)
	if !ok || opts == nil {
		return mqtt.ErrInvalidConfigType
	}

	h.config = opts
	if len(h.config.Topics) == 0 {
		return mqtt.ErrInvalidConfigType
	}
	if h.config.Now == nil {
		h.config.Now = time.Now
	}

	h.filters = make([]auth.RString, 0, len(h.config.Topics))
	for _, t := range h.config.Topics {
		h.filters = append(h.filters, auth.RString(t))
	}
	h.credentials = make(map[string]config.GatewayCredential, len(h.config.Credentials))
	for _, c := range h.config.Credentials {
		h.credentials[c.Username] = c
	}
	h.gateways = make(map[string]*models.GatewayDetails)
	return nil
}

// SetHandler installs the callback that receives parsed sightings. A nil
// handler discards them.
func (h *SightingHook) SetHandler(fn func(models.Sighting, error)) {
	h.handlerLock.Lock()
	h.handler = fn
	h.handlerLock.Unlock()
}

func (h *SightingHook) currentHandler() func(models.Sighting, error) {
	h.handlerLock.RLock()
	defer h.handlerLock.RUnlock()
	return h.handler
}

func (h *SightingHook) matchesTopic(topic string) bool {
	for _, f := range h.filters {
		if f.FilterMatches(topic) {
			return true
		}
	}
	return false
}

// OnConnectAuthenticate admits a gateway if its username is allowed and,
// when credentials are configured, its password matches.
func (h *SightingHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	user := string(pk.Connect.Username)
	if len(h.config.AllowedUsers) > 0 && !slices.Contains(h.config.AllowedUsers, user) {
		h.Log.Warn("gateway rejected", "username", user, "client", cl.ID, "remote", cl.Net.Remote)
		return false
	}
	if !h.validatePassword(user, string(pk.Connect.Password)) {
		h.Log.Warn("gateway failed password check", "username", user, "client", cl.ID, "remote", cl.Net.Remote)
		return false
	}

	h.gatewayLock.Lock()
	h.gateways[cl.ID] = &models.GatewayDetails{
		ClientID:    cl.ID,
		UserName:    user,
		Address:     cl.Net.Remote,
		ConnectedAt: h.config.Now(),
	}
	h.gatewayLock.Unlock()
	h.Log.Info("gateway authenticated", "username", user, "client", cl.ID)
	return true
}

func (h *SightingHook) validatePassword(user, pass string) bool {
	if len(h.credentials) == 0 {
		return true
	}
	cred, ok := h.credentials[user]
	if !ok {
		return false
	}
	return gwauth.Verify(pass, cred.Salt, cred.PasswordHash)
}

// OnACLCheck only lets gateways write to the sighting topics. Reads are
// unrestricted.
func (h *SightingHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	if !write {
		return true
	}
	if h.matchesTopic(topic) {
		return true
	}
	h.Log.Debug("gateway failed ACL check", "client", cl.ID, "topic", topic)
	return false
}

func (h *SightingHook) OnConnect(cl *mqtt.Client, pk packets.Packet) error {
	h.Log.Info("gateway connected", "client", cl.ID, "remote", cl.Net.Remote)
	return nil
}

func (h *SightingHook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	h.gatewayLock.Lock()
	delete(h.gateways, cl.ID)
	h.gatewayLock.Unlock()
	if err != nil {
		h.Log.Info("gateway disconnected", "client", cl.ID, "expire", expire, "error", err)
	} else {
		h.Log.Info("gateway disconnected", "client", cl.ID, "expire", expire)
	}
}

// OnPublish parses sightings published on a sighting topic. Payloads that are
// not sightings are rejected so they never reach other subscribers.
func (h *SightingHook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	if !h.matchesTopic(pk.TopicName) {
		return pk, nil
	}

	now := h.config.Now()
	sightings, err := ParseSightings(pk.Payload, now)
	if err != nil {
		h.Log.Warn("discarding gateway payload", "client", cl.ID, "topic", pk.TopicName, "error", err)
		return pk, packets.ErrRejectPacket
	}

	h.gatewayLock.Lock()
	if gw, ok := h.gateways[cl.ID]; ok {
		gw.LastPublish = now
		gw.Sightings += uint64(len(sightings))
	}
	h.gatewayLock.Unlock()

	handle := h.currentHandler()
	if handle == nil {
		return pk, nil
	}
	for _, s := range sightings {
		handle(s, nil)
	}
	return pk, nil
}

// GetGateways returns a copy of the connected gateways ordered by client ID.
func (h *SightingHook) GetGateways() []*models.GatewayDetails {
	h.gatewayLock.RLock()
	gateways := make([]*models.GatewayDetails, 0, len(h.gateways))
	for _, gw := range h.gateways {
		c := *gw
		gateways = append(gateways, &c)
	}
	h.gatewayLock.RUnlock()

	sort.Slice(gateways, func(i, j int) bool {
		return gateways[i].ClientID < gateways[j].ClientID
	})
	return gateways
}
