package autoscaler

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	k8sretry "k8s.io/client-go/util/retry"
)

// K8sController sizes the worker pool through the replica count of one Deployment.
type K8sController struct {
	Logger *zap.Logger
	client kubernetes.Interface
	ns     string
	name   string
}

var _ WorkerPoolController = (*K8sController)(nil)

// NewK8sControllerFromConfig uses the in-cluster config, falling back to KUBECONFIG or the
// default kubeconfig file.
func NewK8sControllerFromConfig(logger *zap.Logger, namespace, deployment string) (*K8sController, error) {
	log := logger.With(zap.String("component", "k8s_controller"))

	var (
		cfg *rest.Config
		err error
		src string
	)

	if cfg, err = rest.InClusterConfig(); err == nil {
		src = "in_cluster"
	} else {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			kubeconfig = clientcmd.RecommendedHomeFile
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			log.Error("kube config build failed", zap.Error(err))
			return nil, fmt.Errorf("build kube config: %w", err)
		}
		src = "kubeconfig"
	}

	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		log.Error("k8s client init failed", zap.Error(err))
		return nil, fmt.Errorf("k8s client: %w", err)
	}

	log.Info("controller initialized",
		zap.String("config_source", src),
		zap.String("namespace", namespace),
		zap.String("deployment", deployment),
	)
	return NewK8sController(log, cs, namespace, deployment), nil
}

// NewK8sController wraps an existing clientset.
func NewK8sController(logger *zap.Logger, client kubernetes.Interface, namespace, deployment string) *K8sController {
	return &K8sController{Logger: logger, client: client, ns: namespace, name: deployment}
}

// Resize sets the Deployment's replicas to n, retrying on write conflicts.
func (c *K8sController) Resize(ctx context.Context, n int) error {
	start := time.Now()
	deployments := c.client.AppsV1().Deployments(c.ns)

	err := k8sretry.RetryOnConflict(k8sretry.DefaultRetry, func() error {
		deploy, err := deployments.Get(ctx, c.name, meta.GetOptions{})
		if err != nil {
			return err
		}
		if deploy.Spec.Replicas != nil && int(*deploy.Spec.Replicas) == n {
			c.Logger.Debug("deployment already at size", zap.String("deployment", c.name), zap.Int("replicas", n))
			return nil
		}
		deploy.Spec.Replicas = int32Ptr(int32(n))
		_, err = deployments.Update(ctx, deploy, meta.UpdateOptions{})
		return err
	})
	if apierrors.IsNotFound(err) {
		c.Logger.Error("deployment not found", zap.String("deployment", c.name), zap.String("namespace", c.ns))
		return fmt.Errorf("deployment %s/%s not found: %w", c.ns, c.name, err)
	}
	if err != nil {
		c.Logger.Error("deployment resize failed", zap.String("deployment", c.name), zap.Int("replicas", n), zap.Error(err))
		return fmt.Errorf("resize deployment: %w", err)
	}

	c.Logger.Info("deployment resized",
		zap.String("deployment", c.name),
		zap.Int("replicas", n),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// CurrentWorkers reads the Deployment's desired replica count.
func (c *K8sController) CurrentWorkers(ctx context.Context) (int, error) {
	deploy, err := c.client.AppsV1().Deployments(c.ns).Get(ctx, c.name, meta.GetOptions{})
	if err != nil {
		return 0, fmt.Errorf("get deployment: %w", err)
	}
	if deploy.Spec.Replicas == nil {
		return 0, ErrCountUnknown
	}
	return int(*deploy.Spec.Replicas), nil
}

// int32Ptr returns a pointer to the given int32.
func int32Ptr(i int32) *int32 { return &i }
