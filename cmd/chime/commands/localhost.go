package commands

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jholhewres/chime/pkg/chime/host"
)

// localHost is a minimal host.Context for standalone runs: one provider, an
// in-memory conversation store, and a stdout platform client. Tool, persona,
// and memory integrations stay nil, matching a bare deployment.
type localHost struct {
	provider  host.Provider
	providers map[string]host.Provider
	convo     *memConvo
	platform  *stdoutPlatform
}

func newLocalHost(provider host.Provider) *localHost {
	return &localHost{
		provider:  provider,
		providers: map[string]host.Provider{provider.ID(): provider},
		convo:     newMemConvo(),
		platform:  &stdoutPlatform{},
	}
}

func (h *localHost) UsingProvider() host.Provider { return h.provider }
func (h *localHost) ProviderByID(id string) host.Provider { return h.providers[id] }
func (h *localHost) ConversationManager() host.ConversationManager { return h.convo }
func (h *localHost) MessageHistoryManager() host.MessageHistoryManager { return nil }
func (h *localHost) LLMToolManager() host.ToolManager { return nil }
func (h *localHost) PersonaManager() host.PersonaManager { return nil }
func (h *localHost) PlatformInst(string) (host.PlatformClient, error) { return h.platform, nil }
func (h *localHost) MemoryEngine() host.MemoryEngine { return nil }
func (h *localHost) MemoryToolHandler() host.MemoryToolHandler { return nil }

// memConvo keeps official conversations in memory for the process lifetime.
type memConvo struct {
	mu        sync.Mutex
	histories map[string][]host.ConversationEntry
	current   map[string]string
	nextID    int
}

func newMemConvo() *memConvo {
	return &memConvo{
		histories: make(map[string][]host.ConversationEntry),
		current:   make(map[string]string),
	}
}

func (c *memConvo) CurrentConversationID(_ context.Context, sessionID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current[sessionID], nil
}

func (c *memConvo) Conversation(_ context.Context, sessionID, conversationID string) ([]host.ConversationEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]host.ConversationEntry(nil), c.histories[sessionID+"/"+conversationID]...), nil
}

func (c *memConvo) NewConversation(_ context.Context, sessionID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := fmt.Sprintf("local-%d", c.nextID)
	c.current[sessionID] = id
	return id, nil
}

func (c *memConvo) UpdateConversation(_ context.Context, sessionID, conversationID string, hist []host.ConversationEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.histories[sessionID+"/"+conversationID] = append([]host.ConversationEntry(nil), hist...)
	return nil
}

// stdoutPlatform prints outbound messages instead of delivering them.
type stdoutPlatform struct{ mu sync.Mutex }

func (p *stdoutPlatform) SendMessage(_ context.Context, origin string, chain []host.Segment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Printf("[chime → %s] %s\n", origin, host.ChainText(chain))
	return nil
}

func (p *stdoutPlatform) SendPoke(_ context.Context, chatID, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Printf("[chime → %s] *pokes %s*\n", chatID, userID)
	return nil
}

// echoProvider is the offline provider for the simulator: it answers the
// judge with yes and echoes the last user line back as the reply.
type echoProvider struct{}

func (echoProvider) ID() string { return "echo" }

func (echoProvider) TextChat(_ context.Context, req *host.ProviderRequest) (*host.ProviderResponse, error) {
	if strings.Contains(req.SystemPrompt, `exactly "yes" or "no"`) {
		return &host.ProviderResponse{CompletionText: "yes"}, nil
	}
	lines := strings.Split(strings.TrimSpace(req.Prompt), "\n")
	last := lines[len(lines)-1]
	return &host.ProviderResponse{CompletionText: "echo: " + last}, nil
}
