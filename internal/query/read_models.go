package query

import "github.com/example/dispensary/internal/readmodel"

type DispenseView = readmodel.DispenseView
