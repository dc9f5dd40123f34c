/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package notebooks tells whether a simulation runs within a Jupyter notebook, where terminal escape
// sequences (cursor movement, line erasing) are not supported.
// It recognizes GoNB [1] and bash_kernel [2].
//
// [1] GoNB: https://github.com/janpfeifer/gonb
// [2] bash_kernel: https://github.com/takluyver/bash_kernel
package notebooks

import "os"

// Kernel is a Jupyter kernel recognized by its environment variable.
type Kernel string

const (
	BashKernel Kernel = "NOTEBOOK_BASH_KERNEL_CAPABILITIES"
	GoNB       Kernel = "GONB_PIPE"
)

// Kernels checked by IsNotebook.
var Kernels = []Kernel{BashKernel, GoNB}

// Is returns whether running in a Jupyter notebook with the given kernel.
func (k Kernel) Is() bool {
	_, found := os.LookupEnv(string(k))
	return found
}

// IsNotebook returns whether running inside a Jupyter notebook with any of the Kernels.
func IsNotebook() bool {
	for _, k := range Kernels {
		if k.Is() {
			return true
		}
	}
	return false
}
