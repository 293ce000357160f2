package jobs

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "jobs")
