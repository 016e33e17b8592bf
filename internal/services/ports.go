package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Notification is the outbound payload handed to the notification port.
// Delivery mechanics (SMTP, SMS gateways) live behind the port.
type Notification struct {
	TenantID  uint   `json:"tenant_id"`
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Message   string `json:"message"`
}

// NotificationPort 出站通知端口
type NotificationPort interface {
	Send(ctx context.Context, n Notification) error
}

// AssignmentResolver resolves a role name to a concrete user for the tenant.
type AssignmentResolver interface {
	Resolve(ctx context.Context, tenantID uint, role string) (uint, error)
}

// LogNotifier is the default notification port: it only logs. Deployments
// plug in a real delivery adapter.
type LogNotifier struct {
	Logger *logrus.Logger
}

func (l *LogNotifier) Send(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.Infof("notify [%s] tenant=%d to=%s subject=%s", n.Channel, n.TenantID, n.Recipient, n.Subject)
	return nil
}

// RoundRobinResolver cycles through the configured members of each role.
type RoundRobinResolver struct {
	mu      sync.Mutex
	members map[string][]uint
	cursor  map[string]int
}

func NewRoundRobinResolver(members map[string][]uint) *RoundRobinResolver {
	return &RoundRobinResolver{
		members: members,
		cursor:  make(map[string]int),
	}
}

func (r *RoundRobinResolver) Resolve(_ context.Context, tenantID uint, role string) (uint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%d:%s", tenantID, role)
	users := r.members[role]
	if tenantUsers, ok := r.members[key]; ok {
		users = tenantUsers
	}
	if len(users) == 0 {
		return 0, fmt.Errorf("no members configured for role %q", role)
	}
	idx := r.cursor[key] % len(users)
	r.cursor[key] = idx + 1
	return users[idx], nil
}
