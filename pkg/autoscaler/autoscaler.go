package autoscaler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/mousehunter/crawler/pkg/config"
	"github.com/mousehunter/crawler/pkg/events"
	"github.com/mousehunter/crawler/pkg/log"
	"github.com/mousehunter/crawler/pkg/metrics"
)

// Action is a scaling verdict.
type Action string

const (
	ActionScaleUp   Action = "SCALE_UP"
	ActionScaleDown Action = "SCALE_DOWN"
	ActionNone      Action = "NO_ACTION"
)

const (
	// one extra replica per this many queued tasks
	tasksPerReplica = 50
	// never add more than this many replicas in one step
	maxScaleUpStep = 3
)

// Decision is the outcome of evaluating one deployment.
type Decision struct {
	Deployment string
	Action     Action
	Current    int32
	Target     int32
	TotalDepth int64
	Reason     string
}

// DepthReader supplies queue depths. Satisfied by broker.Gateway.
type DepthReader interface {
	QueueDepth(ctx context.Context, queueName string) (int64, error)
}

// Scaler drives worker deployment replica counts from queue depth.
type Scaler struct {
	cfg    config.AutoscalerConfig
	depths DepthReader
	client kubernetes.Interface
	bus    *events.Broker
	logger zerolog.Logger

	mu        sync.Mutex
	lastScale map[string]time.Time

	now    func() time.Time
	stopCh chan struct{}
}

// NewScaler creates an autoscaler. bus may be nil.
func NewScaler(cfg config.AutoscalerConfig, depths DepthReader, client kubernetes.Interface, bus *events.Broker) *Scaler {
	return &Scaler{
		cfg:       cfg,
		depths:    depths,
		client:    client,
		bus:       bus,
		logger:    log.WithComponent("autoscaler"),
		lastScale: make(map[string]time.Time),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Run evaluates on the configured interval until Stop or context
// cancellation.
func (s *Scaler) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.CheckIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().
		Str("namespace", s.cfg.Namespace).
		Dur("interval", interval).
		Int("deployments", len(s.cfg.Deployments)).
		Msg("autoscaler started")

	for {
		select {
		case <-ticker.C:
			if _, err := s.EvaluateOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("evaluation failed")
			}
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

// Stop halts Run.
func (s *Scaler) Stop() {
	close(s.stopCh)
}

// EvaluateOnce runs one full evaluation pass and applies any resulting
// scaling actions. Returns the decision for every configured
// deployment.
func (s *Scaler) EvaluateOnce(ctx context.Context) ([]Decision, error) {
	depthByDeployment, err := s.aggregateDepths(ctx)
	if err != nil {
		return nil, err
	}

	decisions := make([]Decision, 0, len(s.cfg.Deployments))
	for _, d := range s.cfg.Deployments {
		decision := s.evaluateDeployment(ctx, d, depthByDeployment[d.Name])
		decisions = append(decisions, decision)

		if decision.Action == ActionNone {
			continue
		}
		if err := s.applyScale(ctx, decision); err != nil {
			s.logger.Error().Err(err).Str("deployment", d.Name).Msg("failed to apply scale")
		}
	}
	return decisions, nil
}

// ManualScale sets a deployment's replica count directly, bypassing the
// thresholds. Bounds are still validated and the cooldown still armed.
func (s *Scaler) ManualScale(ctx context.Context, deployment string, replicas int32, reason string) error {
	var cfg *config.DeploymentConfig
	for i := range s.cfg.Deployments {
		if s.cfg.Deployments[i].Name == deployment {
			cfg = &s.cfg.Deployments[i]
			break
		}
	}
	if cfg == nil {
		return fmt.Errorf("unknown deployment %q", deployment)
	}
	if replicas < int32(cfg.MinReplicas) || replicas > int32(cfg.MaxReplicas) {
		return fmt.Errorf("replicas %d outside bounds [%d, %d] for %s",
			replicas, cfg.MinReplicas, cfg.MaxReplicas, deployment)
	}

	current, err := s.currentReplicas(ctx, deployment)
	if err != nil {
		return err
	}

	action := ActionScaleUp
	if replicas < current {
		action = ActionScaleDown
	}
	decision := Decision{
		Deployment: deployment,
		Action:     action,
		Current:    current,
		Target:     replicas,
		Reason:     "manual: " + reason,
	}

	s.logger.Info().
		Str("deployment", deployment).
		Int32("replicas", replicas).
		Str("reason", reason).
		Msg("manual scale requested")
	return s.applyScale(ctx, decision)
}

// aggregateDepths reads all mapped queues and sums depth per deployment.
func (s *Scaler) aggregateDepths(ctx context.Context) (map[string]int64, error) {
	totals := make(map[string]int64)
	for queue, deployment := range s.cfg.QueueMapping {
		depth, err := s.depths.QueueDepth(ctx, queue)
		if err != nil {
			return nil, fmt.Errorf("failed to read depth of %s: %w", queue, err)
		}
		metrics.QueueDepth.WithLabelValues(queue).Set(float64(depth))
		totals[deployment] += depth
	}
	return totals, nil
}

func (s *Scaler) evaluateDeployment(ctx context.Context, d config.DeploymentConfig, depth int64) Decision {
	decision := Decision{
		Deployment: d.Name,
		Action:     ActionNone,
		TotalDepth: depth,
	}

	current, err := s.currentReplicas(ctx, d.Name)
	if err != nil {
		decision.Reason = "replica count unavailable: " + err.Error()
		s.logger.Warn().Err(err).Str("deployment", d.Name).Msg("skipping deployment")
		return decision
	}
	decision.Current = current
	decision.Target = current

	switch {
	case depth >= int64(d.ScaleUpThreshold):
		step := depth / tasksPerReplica
		if depth%tasksPerReplica != 0 {
			step++
		}
		if step > maxScaleUpStep {
			step = maxScaleUpStep
		}
		target := current + int32(step)
		if target > int32(d.MaxReplicas) {
			target = int32(d.MaxReplicas)
		}
		if target > current {
			decision.Action = ActionScaleUp
			decision.Target = target
			decision.Reason = fmt.Sprintf("depth %d >= %d", depth, d.ScaleUpThreshold)
		} else {
			decision.Reason = "at max replicas"
		}

	case depth <= int64(d.ScaleDownThreshold) && current > int32(d.MinReplicas):
		target := current - 1
		if target < int32(d.MinReplicas) {
			target = int32(d.MinReplicas)
		}
		decision.Action = ActionScaleDown
		decision.Target = target
		decision.Reason = fmt.Sprintf("depth %d <= %d", depth, d.ScaleDownThreshold)

	default:
		decision.Reason = "within thresholds"
	}

	if decision.Action != ActionNone && s.inCooldown(d.Name) {
		decision.Action = ActionNone
		decision.Target = current
		decision.Reason = "cooldown"
	}
	return decision
}

func (s *Scaler) inCooldown(deployment string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastScale[deployment]
	if !ok {
		return false
	}
	cooldown := time.Duration(s.cfg.CooldownMinutes) * time.Minute
	return s.now().Sub(last) < cooldown
}

func (s *Scaler) currentReplicas(ctx context.Context, deployment string) (int32, error) {
	dep, err := s.client.AppsV1().Deployments(s.cfg.Namespace).Get(ctx, deployment, metav1.GetOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to get deployment %s: %w", deployment, err)
	}
	if dep.Spec.Replicas == nil {
		return 1, nil
	}
	return *dep.Spec.Replicas, nil
}

func (s *Scaler) applyScale(ctx context.Context, decision Decision) error {
	dep, err := s.client.AppsV1().Deployments(s.cfg.Namespace).Get(ctx, decision.Deployment, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("failed to get deployment %s: %w", decision.Deployment, err)
	}
	target := decision.Target
	dep.Spec.Replicas = &target
	if _, err := s.client.AppsV1().Deployments(s.cfg.Namespace).Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to update deployment %s: %w", decision.Deployment, err)
	}

	s.mu.Lock()
	s.lastScale[decision.Deployment] = s.now()
	s.mu.Unlock()

	s.logger.Info().
		Str("deployment", decision.Deployment).
		Str("action", string(decision.Action)).
		Int32("from", decision.Current).
		Int32("to", decision.Target).
		Int64("depth", decision.TotalDepth).
		Str("reason", decision.Reason).
		Msg("scaled deployment")

	if s.bus != nil {
		eventType := events.EventScaleUp
		if decision.Action == ActionScaleDown {
			eventType = events.EventScaleDown
		}
		s.bus.Publish(&events.Event{
			Type:    eventType,
			Message: decision.Reason,
			Metadata: map[string]string{
				"deployment": decision.Deployment,
				"from":       fmt.Sprintf("%d", decision.Current),
				"to":         fmt.Sprintf("%d", decision.Target),
			},
		})
	}
	return nil
}
