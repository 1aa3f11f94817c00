// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

// bio-cellmatrix inspects, concatenates, and imports cell matrix files.
//
// Usage: bio-cellmatrix view|concat|checksum|import-mtx ...

import (
	"github.com/grailbio/base/grail"
	"github.com/grailbio/multiome/cmd/bio-cellmatrix/cmd"
)

func main() {
	shutdown := grail.Init()
	defer shutdown()
	cmd.Run()
}
