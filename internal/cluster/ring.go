package cluster

import (
	"hash/fnv"
	"sort"
	"strconv"
)

// ring is a consistent-hash ring over node ids. Each node contributes
// a fixed number of virtual points so ownership moves proportionally
// when membership changes: a node joining or leaving relocates only
// the tenants whose points it covers.
type ring struct {
	replicas int
	points   []ringPoint
	nodes    []string
}

type ringPoint struct {
	hash   uint32
	nodeID string
}

func newRing(replicas int, nodeIDs []string) *ring {
	if replicas <= 0 {
		replicas = 20
	}
	r := &ring{
		replicas: replicas,
		nodes:    append([]string(nil), nodeIDs...),
	}
	sort.Strings(r.nodes)
	for _, id := range r.nodes {
		for i := 0; i < replicas; i++ {
			r.points = append(r.points, ringPoint{
				hash:   ringHash(id + "#" + strconv.Itoa(i)),
				nodeID: id,
			})
		}
	}
	sort.Slice(r.points, func(i, j int) bool {
		if r.points[i].hash != r.points[j].hash {
			return r.points[i].hash < r.points[j].hash
		}
		return r.points[i].nodeID < r.points[j].nodeID
	})
	return r
}

// Owner returns the node owning key, or "" on an empty ring.
func (r *ring) Owner(key string) string {
	if len(r.points) == 0 {
		return ""
	}
	h := ringHash(key)
	i := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= h
	})
	if i == len(r.points) {
		i = 0
	}
	return r.points[i].nodeID
}

// Nodes returns the sorted member ids.
func (r *ring) Nodes() []string {
	return r.nodes
}

func (r *ring) Size() int {
	return len(r.nodes)
}

func ringHash(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
