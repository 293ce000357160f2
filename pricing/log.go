package pricing

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "pricing")
