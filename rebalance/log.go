package rebalance

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "rebalance")
