package tunnel

import (
	"github.com/shirou/gopsutil/v4/process"
)

// descendants returns the pids of every process below pid, breadth first.
// A process that vanishes during the walk ends its branch.
func descendants(pid int) []int {
	var result []int
	seen := map[int32]bool{int32(pid): true}
	queue := []int32{int32(pid)}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		proc, err := process.NewProcess(parent)
		if err != nil {
			continue
		}
		children, err := proc.Children()
		if err != nil {
			continue
		}
		for _, c := range children {
			if seen[c.Pid] {
				continue
			}
			seen[c.Pid] = true
			result = append(result, int(c.Pid))
			queue = append(queue, c.Pid)
		}
	}
	return result
}
