package settlement

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/amirphl/bridge-trader/internal/order"
	"github.com/amirphl/bridge-trader/internal/task"
	"github.com/amirphl/bridge-trader/internal/utils"
	"github.com/google/uuid"
)

// Creator turns approving local orders into redirects and schedules their settlement.
type Creator struct {
	store   Store
	runner  *task.Runner
	machine *Machine
}

func NewCreator(store Store, runner *task.Runner, machine *Machine) *Creator {
	return &Creator{store: store, runner: runner, machine: machine}
}

// Submit creates a redirect for every order and schedules it. An order that already has an
// unfinished redirect gets that redirect scheduled again, which is how pending redirects
// are polled while the process runs. The runner drops keys already in flight.
func (c *Creator) Submit(ctx context.Context, approving []order.LocalOrder) {
	for _, o := range approving {
		now := time.Now().UTC()
		r, err := c.store.CreateRedirect(ctx, Redirect{
			Status:       StatusInit,
			LocalOrderID: o.ID,
			TaskID:       uuid.NewString(),
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		if errors.Is(err, ErrDuplicateSettlement) {
			c.reschedule(ctx, o.ID)
			continue
		}
		if err != nil {
			utils.GetLogger().Errorf("Settlement | Failed to create redirect for local order %d: %v", o.ID, err)
			continue
		}
		utils.GetLogger().Infof("Settlement | Redirect %d created for %s", r.ID, o)
		c.schedule(r.ID)
	}
}

func (c *Creator) reschedule(ctx context.Context, localOrderID int64) {
	r, err := c.store.GetRedirectByLocalOrder(ctx, localOrderID)
	if err != nil {
		utils.GetLogger().Errorf("Settlement | Failed to load redirect of local order %d: %v", localOrderID, err)
		return
	}
	if r.Status.Terminal() {
		utils.GetLogger().Debugf("Settlement | Local order %d already settled by redirect %d", localOrderID, r.ID)
		return
	}
	if c.schedule(r.ID) {
		utils.GetLogger().Debugf("Settlement | Redirect %d (%s) scheduled again for local order %d", r.ID, r.Status, localOrderID)
	}
}

// Resume schedules every redirect left unfinished by a previous run.
func (c *Creator) Resume(ctx context.Context) (int, error) {
	redirects, err := c.store.ListRedirects(ctx, ActiveStatuses...)
	if err != nil {
		return 0, err
	}
	for _, r := range redirects {
		c.schedule(r.ID)
	}
	if len(redirects) > 0 {
		utils.GetLogger().Infof("Settlement | Resumed %d redirects", len(redirects))
	}
	return len(redirects), nil
}

func (c *Creator) schedule(id int64) bool {
	return c.runner.Submit(TaskKey(id), func(ctx context.Context) error {
		return c.machine.Run(ctx, id)
	}, func(err error) {
		if err != nil {
			c.machine.Failed(context.Background(), id, err)
		}
	})
}

// TaskKey is the runner key of redirect id.
func TaskKey(id int64) string {
	return "redirect-" + strconv.FormatInt(id, 10)
}
