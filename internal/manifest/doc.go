// Package manifest 管理每个项目的 manifest.json：元数据、已登记文件、
// 链上交易记录和审计日志。所有写入都是整文件读改写，并通过临时文件加
// 重命名保证不会留下写了一半的清单。
package manifest
