/*
 * Deployra
 * Copyright (C) 2025  Deployra, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package worker

import (
	"fmt"
	"strconv"

	"github.com/gravitational/trace"
	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	"github.com/deployra/deployra-sub000"
	"github.com/deployra/deployra-sub000/lib/defaults"
	"github.com/deployra/deployra-sub000/lib/queue"
)

// appLabel is the selector label binding pods to their deployment.
const appLabel = "app"

// engine describes the fixed shape of a platform-managed database type.
type engine struct {
	image   string
	port    int32
	dataDir string
	confDir string
	// confSuffix names the generated config map, <serviceId><confSuffix>.
	confSuffix string
	// probe is the readiness and liveness command.
	probe []string
	// args overrides the container arguments. Only the in-memory engine
	// needs one, to load the generated ACL file.
	args []string
}

var engines = map[string]engine{
	deployra.ServiceTypeMySQL: {
		image:      defaults.MySQLImage,
		port:       3306,
		dataDir:    "/var/lib/mysql",
		confDir:    "/etc/mysql/conf.d",
		confSuffix: "-mysql-config",
		probe:      []string{"sh", "-c", `mysqladmin ping -h 127.0.0.1 -uroot -p"$MYSQL_ROOT_PASSWORD"`},
	},
	deployra.ServiceTypePostgreSQL: {
		image:      defaults.PostgresImage,
		port:       5432,
		dataDir:    "/var/lib/postgresql/data",
		confDir:    "/etc/postgresql",
		confSuffix: "-postgresql-config",
		probe:      []string{"sh", "-c", `pg_isready -U "$POSTGRES_USER"`},
	},
	deployra.ServiceTypeMemory: {
		image:      defaults.MemoryImage,
		port:       6379,
		dataDir:    "/data",
		confDir:    "/usr/local/etc/redis",
		confSuffix: "-memory-config",
		probe:      []string{"sh", "-c", `redis-cli --user "$REDIS_USER" --pass "$REDIS_PASSWORD" ping`},
		args:       []string{"/usr/local/etc/redis/redis.conf"},
	},
}

func isEngine(serviceType string) bool {
	_, ok := engines[serviceType]
	return ok
}

// platformLabels returns the labels stamped on every object of a service.
func platformLabels(d *queue.ServiceDescriptor) map[string]string {
	return map[string]string{
		deployra.ManagedByLabel:    deployra.ManagedByValue,
		deployra.OrganizationLabel: d.OrganizationID,
		deployra.ProjectLabel:      d.ProjectID,
		deployra.ServiceLabel:      d.ServiceID,
		deployra.TypeLabel:         d.ServiceType,
	}
}

func namespaceLabels(organizationID, projectID string) map[string]string {
	return map[string]string{
		deployra.ManagedByLabel:    deployra.ManagedByValue,
		deployra.OrganizationLabel: organizationID,
		deployra.ProjectLabel:      projectID,
	}
}

func deploymentName(serviceID string) string { return serviceID + defaults.DeploymentSuffix }
func serviceName(serviceID string) string    { return serviceID + defaults.ServiceSuffix }
func hpaName(serviceID string) string        { return serviceID + defaults.HPASuffix }
func pvcName(serviceID string) string        { return serviceID + defaults.PVCSuffix }
func pullSecretName(serviceID string) string { return serviceID + defaults.PullSecretSuffix }
func envSecretName(serviceID string) string  { return serviceID + defaults.EnvSecretSuffix }

func configMapName(d *queue.ServiceDescriptor) string {
	return d.ServiceID + engines[d.ServiceType].confSuffix
}

// containerImage returns the image the deployment runs: the descriptor's
// image for application services, the fixed engine image otherwise.
func containerImage(d *queue.ServiceDescriptor) string {
	if eng, ok := engines[d.ServiceType]; ok {
		return eng.image
	}
	return d.Image
}

// buildResources converts quantity strings, refusing malformed ones.
func buildResources(r queue.Resources) (corev1.ResourceRequirements, error) {
	out := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{},
		Limits:   corev1.ResourceList{},
	}
	set := func(list corev1.ResourceList, name corev1.ResourceName, value string) error {
		if value == "" {
			return nil
		}
		quantity, err := resource.ParseQuantity(value)
		if err != nil {
			return trace.BadParameter("malformed %v quantity %q: %v", name, value, err)
		}
		list[name] = quantity
		return nil
	}
	if err := set(out.Requests, corev1.ResourceCPU, r.CPURequest); err != nil {
		return out, trace.Wrap(err)
	}
	if err := set(out.Requests, corev1.ResourceMemory, r.MemoryRequest); err != nil {
		return out, trace.Wrap(err)
	}
	if err := set(out.Limits, corev1.ResourceCPU, r.CPULimit); err != nil {
		return out, trace.Wrap(err)
	}
	if err := set(out.Limits, corev1.ResourceMemory, r.MemoryLimit); err != nil {
		return out, trace.Wrap(err)
	}
	return out, nil
}

// containerPorts lists the declared container ports, or the engine port for
// database types.
func containerPorts(d *queue.ServiceDescriptor) []corev1.ContainerPort {
	if eng, ok := engines[d.ServiceType]; ok {
		return []corev1.ContainerPort{{ContainerPort: eng.port}}
	}
	ports := make([]corev1.ContainerPort, 0, len(d.Ports))
	for _, p := range d.Ports {
		ports = append(ports, corev1.ContainerPort{ContainerPort: p.ContainerPort})
	}
	return ports
}

// allowsHTTPProbes reports whether custom HTTP probes may be attached.
// Generic public registry images get none; their shapes are unknown.
func allowsHTTPProbes(d *queue.ServiceDescriptor) bool {
	if d.ServiceType != deployra.ServiceTypeWeb && d.ServiceType != deployra.ServiceTypePrivate {
		return false
	}
	return d.Registry == nil || !d.Registry.Public
}

func httpProbe(path string, port int32) *corev1.Probe {
	return &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			HTTPGet: &corev1.HTTPGetAction{
				Path: path,
				Port: intstr.FromInt32(port),
			},
		},
		InitialDelaySeconds: 10,
		PeriodSeconds:       10,
		FailureThreshold:    3,
	}
}

func execProbe(command []string) *corev1.Probe {
	return &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			Exec: &corev1.ExecAction{Command: command},
		},
		InitialDelaySeconds: 15,
		PeriodSeconds:       10,
		FailureThreshold:    5,
	}
}

// buildDeployment assembles the deployment manifest for the descriptor.
func buildDeployment(d *queue.ServiceDescriptor) (*appsv1.Deployment, error) {
	resources, err := buildResources(d.Resources)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	container := corev1.Container{
		Name:      d.ServiceID,
		Image:     containerImage(d),
		Ports:     containerPorts(d),
		Resources: resources,
		EnvFrom: []corev1.EnvFromSource{{
			SecretRef: &corev1.SecretEnvSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: envSecretName(d.ServiceID)},
			},
		}},
	}

	spec := corev1.PodSpec{}

	if eng, ok := engines[d.ServiceType]; ok {
		container.Args = eng.args
		probe := execProbe(eng.probe)
		container.LivenessProbe = probe
		container.ReadinessProbe = execProbe(eng.probe)
		container.VolumeMounts = append(container.VolumeMounts, corev1.VolumeMount{
			Name:      "config",
			MountPath: eng.confDir,
		})
		spec.Volumes = append(spec.Volumes, corev1.Volume{
			Name: "config",
			VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{
					LocalObjectReference: corev1.LocalObjectReference{Name: configMapName(d)},
				},
			},
		})
	} else {
		if d.Probes != nil && allowsHTTPProbes(d) && len(container.Ports) > 0 {
			port := container.Ports[0].ContainerPort
			if d.Probes.LivenessPath != "" {
				container.LivenessProbe = httpProbe(d.Probes.LivenessPath, port)
			}
			if d.Probes.ReadinessPath != "" {
				container.ReadinessProbe = httpProbe(d.Probes.ReadinessPath, port)
			}
		}
		if d.Registry != nil && !d.Registry.Public {
			spec.ImagePullSecrets = []corev1.LocalObjectReference{{Name: pullSecretName(d.ServiceID)}}
		}
	}

	if d.HasStorage() {
		mountPath := "/data"
		if eng, ok := engines[d.ServiceType]; ok {
			mountPath = eng.dataDir
		}
		container.VolumeMounts = append(container.VolumeMounts, corev1.VolumeMount{
			Name:      "data",
			MountPath: mountPath,
		})
		spec.Volumes = append(spec.Volumes, corev1.Volume{
			Name: "data",
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: pvcName(d.ServiceID),
				},
			},
		})
		// Grown volumes need an online filesystem resize before the
		// engine mounts its data directory.
		spec.InitContainers = append(spec.InitContainers, corev1.Container{
			Name:    "storage-resize",
			Image:   "busybox:1.36",
			Command: []string{"sh", "-c", `resize2fs "$(findmnt -n -o SOURCE ` + mountPath + `)" || true`},
			SecurityContext: &corev1.SecurityContext{
				Privileged: ptr.To(true),
			},
			VolumeMounts: []corev1.VolumeMount{{Name: "data", MountPath: mountPath}},
		})
	}

	spec.Containers = []corev1.Container{container}

	strategy := appsv1.DeploymentStrategy{}
	if d.HasStorage() || isEngine(d.ServiceType) {
		strategy.Type = appsv1.RecreateDeploymentStrategyType
	}

	podLabels := platformLabels(d)
	podLabels[appLabel] = d.ServiceID

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: d.ProjectID,
			Name:      deploymentName(d.ServiceID),
			Labels:    platformLabels(d),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(d.EffectiveReplicas()),
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{appLabel: d.ServiceID},
			},
			Strategy: strategy,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels},
				Spec:       spec,
			},
		},
	}, nil
}

// buildService assembles the service manifest. The labels double as the
// routing advertisement consumed by the gateways.
func buildService(d *queue.ServiceDescriptor) *corev1.Service {
	labels := platformLabels(d)
	for i, domain := range d.Domains {
		labels[deployra.DomainLabelPrefix+strconv.Itoa(i)] = domain
	}
	if d.ScaleToZeroEnabled {
		labels[deployra.ScaleToZeroLabel] = "true"
	}
	if isEngine(d.ServiceType) && d.Credentials != nil && d.Credentials.Username != "" {
		labels[deployra.UsernameLabel] = d.Credentials.Username
	}

	var ports []corev1.ServicePort
	if eng, ok := engines[d.ServiceType]; ok {
		ports = []corev1.ServicePort{{
			Port:       eng.port,
			TargetPort: intstr.FromInt32(eng.port),
		}}
	} else {
		for i, p := range d.Ports {
			ports = append(ports, corev1.ServicePort{
				Name:       fmt.Sprintf("port-%d", i),
				Port:       p.ServicePort,
				TargetPort: intstr.FromInt32(p.ContainerPort),
			})
		}
	}

	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: d.ProjectID,
			Name:      serviceName(d.ServiceID),
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{appLabel: d.ServiceID},
			Ports:    ports,
		},
	}
}

// buildHPA assembles the horizontal autoscaler manifest.
func buildHPA(d *queue.ServiceDescriptor) *autoscalingv2.HorizontalPodAutoscaler {
	return &autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: d.ProjectID,
			Name:      hpaName(d.ServiceID),
			Labels:    platformLabels(d),
		},
		Spec: autoscalingv2.HorizontalPodAutoscalerSpec{
			ScaleTargetRef: autoscalingv2.CrossVersionObjectReference{
				APIVersion: "apps/v1",
				Kind:       "Deployment",
				Name:       deploymentName(d.ServiceID),
			},
			MinReplicas: ptr.To(d.Scaling.MinReplicas),
			MaxReplicas: d.Scaling.MaxReplicas,
			Metrics: []autoscalingv2.MetricSpec{{
				Type: autoscalingv2.ResourceMetricSourceType,
				Resource: &autoscalingv2.ResourceMetricSource{
					Name: corev1.ResourceCPU,
					Target: autoscalingv2.MetricTarget{
						Type:               autoscalingv2.UtilizationMetricType,
						AverageUtilization: ptr.To(d.Scaling.TargetCPUUtilizationPercentage),
					},
				},
			}},
		},
	}
}

// buildPVC assembles the storage claim manifest.
func buildPVC(d *queue.ServiceDescriptor) (*corev1.PersistentVolumeClaim, error) {
	size, err := resource.ParseQuantity(d.Storage.Size)
	if err != nil {
		return nil, trace.BadParameter("malformed storage size %q: %v", d.Storage.Size, err)
	}
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: d.ProjectID,
			Name:      pvcName(d.ServiceID),
			Labels:    platformLabels(d),
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: size},
			},
		},
	}
	if d.Storage.StorageClass != "" {
		pvc.Spec.StorageClassName = ptr.To(d.Storage.StorageClass)
	}
	return pvc, nil
}

// buildEnvSecret assembles the environment secret. Database engines get
// their seeded credentials on top of user-declared variables.
func buildEnvSecret(d *queue.ServiceDescriptor) *corev1.Secret {
	data := make(map[string]string, len(d.Env)+4)
	for _, env := range d.Env {
		data[env.Name] = env.Value
	}
	if cred := d.Credentials; cred != nil {
		switch d.ServiceType {
		case deployra.ServiceTypeMySQL:
			data["MYSQL_ROOT_PASSWORD"] = cred.Password
			data["MYSQL_USER"] = cred.Username
			data["MYSQL_PASSWORD"] = cred.Password
			if cred.Database != "" {
				data["MYSQL_DATABASE"] = cred.Database
			}
		case deployra.ServiceTypePostgreSQL:
			data["POSTGRES_USER"] = cred.Username
			data["POSTGRES_PASSWORD"] = cred.Password
			if cred.Database != "" {
				data["POSTGRES_DB"] = cred.Database
			}
			data["PGDATA"] = "/var/lib/postgresql/data/pgdata"
		case deployra.ServiceTypeMemory:
			data["REDIS_USER"] = cred.Username
			data["REDIS_PASSWORD"] = cred.Password
		}
	}
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: d.ProjectID,
			Name:      envSecretName(d.ServiceID),
			Labels:    platformLabels(d),
		},
		Type:       corev1.SecretTypeOpaque,
		StringData: data,
	}
}

// buildEngineConfigMap generates the engine configuration mounted at the
// conf directory. Returns nil for application services.
func buildEngineConfigMap(d *queue.ServiceDescriptor) *corev1.ConfigMap {
	var files map[string]string
	switch d.ServiceType {
	case deployra.ServiceTypeMySQL:
		files = map[string]string{
			"deployra.cnf": "[mysqld]\n" +
				"default_authentication_plugin=mysql_native_password\n" +
				"max_connections=500\n" +
				"skip-name-resolve\n",
		}
	case deployra.ServiceTypePostgreSQL:
		files = map[string]string{
			"postgresql.conf": "listen_addresses = '*'\n" +
				"shared_buffers = 128MB\n" +
				"logging_collector = off\n" +
				"log_destination = 'stderr'\n",
		}
	case deployra.ServiceTypeMemory:
		username, password := "", ""
		if d.Credentials != nil {
			username, password = d.Credentials.Username, d.Credentials.Password
		}
		files = map[string]string{
			"redis.conf": "aclfile /usr/local/etc/redis/users.acl\n" +
				"protected-mode no\n",
			// The default user is disabled; only the project user exists.
			"users.acl": "user default off\n" +
				fmt.Sprintf("user %s on >%s ~* &* +@all\n", username, password),
		}
	default:
		return nil
	}
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: d.ProjectID,
			Name:      configMapName(d),
			Labels:    platformLabels(d),
		},
		Data: files,
	}
}
