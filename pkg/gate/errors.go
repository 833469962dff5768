// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gate

import "errors"

var errMissingCertificate = errors.New("no client certificate presented")
