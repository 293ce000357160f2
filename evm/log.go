package evm

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "evm")
