package cleanup

import "k8s.io/apimachinery/pkg/types"

func nn(name string) types.NamespacedName {
	return types.NamespacedName{Name: name}
}
