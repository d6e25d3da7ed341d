// Package api 以 REST 接口暴露项目清单、快照、报告与链上锚定能力。
package api
