package secretstore

import corev1 "k8s.io/api/core/v1"

// SetContainerEnv sets an environment variable on a container, replacing an
// existing entry with the same name.
func SetContainerEnv(c *corev1.Container, name, value string) {
	for i := range c.Env {
		if c.Env[i].Name == name {
			c.Env[i].Value = value
			c.Env[i].ValueFrom = nil
			return
		}
	}
	c.Env = append(c.Env, corev1.EnvVar{Name: name, Value: value})
}
