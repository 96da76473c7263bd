package access

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"taskbot/internal/apperr"
	"taskbot/internal/identity"
	"taskbot/internal/logging"
	"taskbot/internal/metrics"
)

type Action string

const (
	RequestAccess    Action = "request_access"
	ViewTasks        Action = "view_tasks"
	CreateTask       Action = "create_task"
	AssignSelf       Action = "assign_self"
	ChangeTaskStatus Action = "change_task_status"
	EditTask         Action = "edit_task"
	ScheduleTask     Action = "schedule_task"
	DeleteTask       Action = "delete_task"
	ManageUsers      Action = "manage_users"
	ExportTasks      Action = "export_tasks"
	RequestPayment   Action = "request_payment"
	IssueAPIToken    Action = "issue_api_token"
)

const ReasonNotAuthorized = "not authorized"

func set(actions ...Action) map[Action]bool {
	m := make(map[Action]bool, len(actions))
	for _, a := range actions {
		m[a] = true
	}
	return m
}

var worker = []Action{ViewTasks, CreateTask, AssignSelf, ChangeTaskStatus, EditTask, DeleteTask, RequestPayment}

var manager = append(append([]Action{}, worker...), ScheduleTask, ManageUsers, ExportTasks, IssueAPIToken)

var capabilities = map[identity.Role]map[Action]bool{
	identity.RoleUnauthenticated: set(RequestAccess),
	identity.RolePending:         set(RequestAccess),
	identity.RoleWorker:          set(worker...),
	identity.RoleManager:         set(manager...),
	identity.RoleAdmin:           set(manager...),
}

// Allows reports whether role carries action in the static table.
func Allows(role identity.Role, action Action) bool {
	return capabilities[role][action]
}

type Decision struct {
	Allowed bool
	Role    identity.Role
	User    identity.User
	Reason  string
}

type Resolver interface {
	Resolve(ctx context.Context, userID int64) (identity.User, error)
}

// Gate is consulted before every handler.
type Gate struct {
	Users   Resolver
	Log     *zap.Logger
	Metrics *metrics.Metrics
}

func New(users Resolver, log *zap.Logger) *Gate {
	return &Gate{Users: users, Log: logging.OrNop(log)}
}

// Authorize resolves the user's role and checks it against the table.
// Unknown and blocked users are unauthenticated. Only infrastructure
// failures come back as an error.
func (g *Gate) Authorize(ctx context.Context, userID int64, action Action) (Decision, error) {
	u, err := g.Users.Resolve(ctx, userID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		u = identity.User{ID: userID, Role: identity.RoleUnauthenticated}
	case err != nil:
		return Decision{}, err
	}

	role := u.Role
	if u.Blocked() {
		role = identity.RoleUnauthenticated
	}

	d := Decision{Allowed: Allows(role, action), Role: role, User: u}
	if !d.Allowed {
		d.Reason = ReasonNotAuthorized
		g.Metrics.Denial(string(action))
		g.log().Info("access denied",
			zap.Int64("user_id", userID),
			zap.String("action", string(action)),
			zap.String("role", string(role)),
		)
	}
	return d, nil
}

func (g *Gate) log() *zap.Logger { return logging.OrNop(g.Log) }
